// Package clientengine implements the bcvi client engine (spec §4.5): the
// remote-host side that parses BCVI_CONF, connects back through the SSH
// reverse tunnel to the workstation listener, and sends one request per
// invocation.
package clientengine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/tadhunt/bcvi/internal/wire"
)

// Conf is the connection descriptor carried in BCVI_CONF (spec §3
// "Connection descriptor"): "alias:gateway:port:auth_key".
type Conf struct {
	HostAlias string
	Gateway   string
	Port      int
	AuthKey   string
}

// ErrMalformedConf is returned by ParseConf when conf does not have exactly
// four colon-separated fields or the port is not numeric (spec §3
// invariant: "a missing or malformed value is a fatal client error before
// any socket is opened").
var ErrMalformedConf = fmt.Errorf("clientengine: malformed BCVI_CONF")

// ParseConf parses a BCVI_CONF value into its four fields.
func ParseConf(raw string) (*Conf, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: want 4 colon-separated fields, got %d", ErrMalformedConf, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty field", ErrMalformedConf)
		}
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric port %q", ErrMalformedConf, parts[2])
	}
	return &Conf{HostAlias: parts[0], Gateway: parts[1], Port: port, AuthKey: parts[3]}, nil
}

// directiveLine matches a "+N" line-number directive, passed through
// unchanged by path translation (spec §4.5 step 1, §8 "Path translation
// idempotence").
var directiveLine = regexp.MustCompile(`^\+[0-9]+$`)

// TranslatePaths rewrites each positional argument to an absolute path
// against cwd, unless disabled or the token is a +N directive (spec §4.5
// step 4, §8 idempotence law: translating an already-absolute path yields
// itself).
func TranslatePaths(args []string, cwd string, disabled bool) []string {
	if disabled {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		switch {
		case directiveLine.MatchString(a):
			out[i] = a
		case strings.HasPrefix(a, "/"):
			out[i] = a
		default:
			out[i] = cwd + "/" + a
		}
	}
	return out
}

// Options configures a single client invocation (spec §4.5).
type Options struct {
	Conf           *Conf
	Command        string // default "vi"
	Paths          []string
	NoPathXlate    bool
	Cwd            string
	DialTimeoutOff bool // unused hook kept for future deadline support
	// PluginFilter, if set, replaces the translated-paths body with a
	// single "X-Plugin: <name>" line (spec §3 --plugin-help), asking
	// commands_pod to describe just that one handler instead of every
	// registered command.
	PluginFilter string
}

// Result is what a successful request/response exchange yields back to the
// CLI layer.
type Result struct {
	// ServerVersion is parsed out of the greeting (spec §4.5 step 3).
	ServerVersion string
	// Response is the terminal response the listener sent.
	Response *wire.Response
}

// ErrProtocol wraps any response other than 200/300 (spec §4.5 step 6,
// §7.3): "On anything else, exit non-zero with the message text."
type ErrProtocol struct {
	Code    int
	Message string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("clientengine: %d %s", e.Code, e.Message)
}

// Dialer abstracts the TCP connection so Run is testable against an
// in-memory pipe instead of a real socket.
type Dialer func(ctx context.Context, address string) (io.ReadWriteCloser, error)

// NetDialer is the production Dialer, backed by net.Dial.
func NetDialer(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Run executes one client request/response cycle (spec §4.5 steps 2-6).
func Run(ctx context.Context, opts Options, dial Dialer) (*Result, error) {
	if opts.Conf == nil {
		return nil, fmt.Errorf("clientengine: missing BCVI_CONF")
	}

	address := fmt.Sprintf("%s:%d", opts.Conf.Gateway, opts.Conf.Port)
	conn, err := dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("clientengine: connect %s: %w", address, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	version, err := wire.ReadGreeting(r)
	if err != nil {
		return nil, fmt.Errorf("clientengine: read greeting: %w", err)
	}

	command := opts.Command
	if command == "" {
		command = "vi"
	}

	var body strings.Builder
	if opts.PluginFilter != "" {
		fmt.Fprintf(&body, "X-Plugin: %s\n", opts.PluginFilter)
	} else {
		paths := TranslatePaths(opts.Paths, opts.Cwd, opts.NoPathXlate)
		for _, p := range paths {
			body.WriteString(p)
			body.WriteByte('\n')
		}
	}

	req := &wire.Request{
		AuthKey:   opts.Conf.AuthKey,
		HostAlias: opts.Conf.HostAlias,
		Command:   command,
		Body:      []byte(body.String()),
	}
	if err := wire.WriteRequest(conn, req); err != nil {
		return nil, fmt.Errorf("clientengine: write request: %w", err)
	}

	resp, err := wire.ReadResponse(r)
	if err != nil {
		return nil, fmt.Errorf("clientengine: read response: %w", err)
	}

	switch resp.Code {
	case wire.CodeSuccess, wire.CodeResponseBody:
		return &Result{ServerVersion: version, Response: resp}, nil
	default:
		return &Result{ServerVersion: version, Response: resp}, &ErrProtocol{Code: resp.Code, Message: resp.Message}
	}
}

// Version executes the --version variant (spec §4.5 "The --version variant
// reuses the greeting to report the server's version without sending a
// request body").
func Version(ctx context.Context, conf *Conf, dial Dialer) (string, error) {
	address := fmt.Sprintf("%s:%d", conf.Gateway, conf.Port)
	conn, err := dial(ctx, address)
	if err != nil {
		return "", fmt.Errorf("clientengine: connect %s: %w", address, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	version, err := wire.ReadGreeting(r)
	if err != nil {
		return "", fmt.Errorf("clientengine: read greeting: %w", err)
	}
	return version, nil
}
