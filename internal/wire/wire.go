// Package wire implements the bcvi back-channel wire protocol: a one-shot,
// line-oriented text request/response exchanged over a single TCP connection
// that rides on top of an SSH reverse tunnel.
//
// All framing uses LF-only line endings, matching the shape of the teacher
// package's own ad-hoc SSH channel framing (tunnel/server.go's
// forwardedTCPPayload) but kept deliberately textual rather than binary —
// bcvi's protocol has to be easy to hand-construct from a shell alias.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Response codes (spec §4.1).
const (
	CodeReady        = 100
	CodeSuccess      = 200
	CodeResponseBody = 300
	CodeDenied       = 900
	CodeUnknownCmd   = 910
)

var codeMessages = map[int]string{
	CodeReady:        "Ready",
	CodeSuccess:      "Success",
	CodeResponseBody: "Response follows",
	CodeDenied:       "Permission denied",
	CodeUnknownCmd:   "Unrecognised command",
}

// DefaultMessage returns the canonical short phrase for a known code, or
// "Unknown" for anything else.
func DefaultMessage(code int) string {
	if m, ok := codeMessages[code]; ok {
		return m
	}
	return "Unknown"
}

// canonicalHeader lowercases a header name and replaces '-' with '_', per
// spec §4.1: "Any header whose name contains - is canonicalized by replacing
// - with _ and lowercasing before storing."
func canonicalHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "-", "_")
}

// Headers is a canonicalized header set: keys are already lowercased with
// '-' replaced by '_', so "HOST-ALIAS" and "host_alias" collide on Set/Get.
type Headers map[string]string

// Get returns the header value, treating the input name the same as Set.
func (h Headers) Get(name string) string {
	return h[canonicalHeader(name)]
}

// Set stores a header value under its canonical key.
func (h Headers) Set(name, value string) {
	h[canonicalHeader(name)] = strings.TrimSpace(value)
}

// WriteGreeting writes the server greeting line (spec §4.1): "100 Ready (<version>)\n".
// It is written immediately on accept, before any input is read.
func WriteGreeting(w io.Writer, version string) error {
	_, err := fmt.Fprintf(w, "%d Ready (%s)\n", CodeReady, version)
	return err
}

// ReadGreeting parses the server greeting and returns the version string
// found inside the parentheses. Any malformed greeting is a fatal protocol
// error on the receiving side per spec §4.1/§7.3.
func ReadGreeting(r *bufio.Reader) (version string, err error) {
	line, err := readLine(r)
	if err != nil {
		return "", fmt.Errorf("wire: read greeting: %w", err)
	}
	open := strings.IndexByte(line, '(')
	close := strings.LastIndexByte(line, ')')
	if open < 0 || close < open {
		return "", fmt.Errorf("wire: malformed greeting %q", line)
	}
	fields := strings.SplitN(line[:open], " ", 2)
	code, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || code != CodeReady {
		return "", fmt.Errorf("wire: malformed greeting %q", line)
	}
	return line[open+1 : close], nil
}

// Request is the server-side view of a client request (spec §3/§4.1).
type Request struct {
	AuthKey       string
	HostAlias     string
	Command       string
	ContentLength int
	Body          []byte
}

// Validate checks the structural invariants spec §4.1 implies: AuthKey must
// be a hex string, Command and HostAlias must be non-empty, and
// ContentLength must be non-negative. It does not check the AuthKey against
// any listener secret — that is an authentication concern (see
// internal/listener), not a wire-format one.
func (r *Request) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.AuthKey, validation.Required, is.Hexadecimal),
		validation.Field(&r.HostAlias, validation.Required),
		validation.Field(&r.Command, validation.Required),
		validation.Field(&r.ContentLength, validation.Min(0)),
	)
}

// WriteRequest writes the header block and body for req (spec §4.1). It does
// not write the leading greeting — that is the server's responsibility.
func WriteRequest(w io.Writer, req *Request) error {
	req.ContentLength = len(req.Body)
	if _, err := fmt.Fprintf(w, "Auth-Key: %s\n", req.AuthKey); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Host-Alias: %s\n", req.HostAlias); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Command: %s\n", req.Command); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\n\n", req.ContentLength); err != nil {
		return err
	}
	_, err := w.Write(req.Body)
	return err
}

// ReadRequest reads a header block terminated by a blank line, then exactly
// Content-Length bytes of body (spec §4.1, §8 "Framing"). Header names are
// case-insensitive and canonicalized before lookup.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	headers, err := readHeaderBlock(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read request headers: %w", err)
	}

	req := &Request{
		AuthKey:   headers.Get("Auth-Key"),
		HostAlias: headers.Get("Host-Alias"),
		Command:   headers.Get("Command"),
	}

	clStr := headers.Get("Content-Length")
	cl, err := strconv.Atoi(clStr)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed Content-Length %q: %w", clStr, err)
	}
	req.ContentLength = cl

	body := make([]byte, cl)
	if cl > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("wire: read request body (%d bytes): %w", cl, err)
		}
	}
	req.Body = body
	return req, nil
}

// Response is the terminal (or intermediate, for code 300) server reply
// (spec §4.1).
type Response struct {
	Code        int
	Message     string
	ContentType string // only meaningful when Code == CodeResponseBody
	Body        []byte // only meaningful when Code == CodeResponseBody
}

// WriteResponse writes "<code> <message>\n" and, for CodeResponseBody, the
// follow-up header block and body.
func WriteResponse(w io.Writer, resp *Response) error {
	if resp.Message == "" {
		resp.Message = DefaultMessage(resp.Code)
	}
	if _, err := fmt.Fprintf(w, "%d %s\n", resp.Code, resp.Message); err != nil {
		return err
	}
	if resp.Code != CodeResponseBody {
		return nil
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\nContent-Type: %s\n\n", len(resp.Body), contentType); err != nil {
		return err
	}
	_, err := w.Write(resp.Body)
	return err
}

// ReadResponse reads the status line and, for code 300, the follow-up
// header block and body. A non-numeric code is a fatal protocol error
// (spec §7.3).
func ReadResponse(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read response: %w", err)
	}
	parts := strings.SplitN(line, " ", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("wire: non-numeric response code in %q: %w", line, err)
	}
	resp := &Response{Code: code}
	if len(parts) > 1 {
		resp.Message = parts[1]
	}
	if code != CodeResponseBody {
		return resp, nil
	}

	headers, err := readHeaderBlock(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read response headers: %w", err)
	}
	resp.ContentType = headers.Get("Content-Type")

	clStr := headers.Get("Content-Length")
	cl, err := strconv.Atoi(clStr)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed response Content-Length %q: %w", clStr, err)
	}
	body := make([]byte, cl)
	if cl > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("wire: read response body (%d bytes): %w", cl, err)
		}
	}
	resp.Body = body
	return resp, nil
}

// readHeaderBlock reads lines until a blank line terminates the block,
// splitting each on the first ':' and canonicalizing the header name.
func readHeaderBlock(r *bufio.Reader) (Headers, error) {
	headers := make(Headers)
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("wire: malformed header line %q", line)
		}
		name := canonicalHeader(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers[name] = value
	}
}

// readLine reads one LF-terminated line and strips the trailing LF (and any
// trailing CR, tolerating CRLF-speaking peers). io.EOF before any byte is
// read is returned unmodified so callers can distinguish "truncated mid
// line" from "closed cleanly at a line boundary" if they care to.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
