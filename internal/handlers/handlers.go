// Package handlers implements the bcvi command handlers invoked by the
// listener (spec §4.7): vi, viwait, scpd, and commands_pod. Each handler is
// registered under a command name; the listener looks commands up by name
// and invokes them per connection (spec §9 "Handler registry").
package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/tadhunt/bcvi/internal/fileutil"
	"github.com/tadhunt/bcvi/internal/wire"
)

// Request is what the listener hands a handler after reading and validating
// the wire request (spec §4.6 step 5). It carries only what a handler needs,
// not the raw connection.
type Request struct {
	HostAlias string
	Body      []byte
}

// Handler is a registered bcvi command. Handle returns a non-nil *wire.Response
// when it wants to send a terminal response itself (CodeResponseBody for
// commands_pod); a nil response tells the listener to send the implicit 200
// after Handle returns (spec §4.6 step 5, §7.6).
type Handler interface {
	Name() string
	// Doc is the one-paragraph POD-ish description rendered by commands_pod
	// and by --plugin-help.
	Doc() string
	Handle(ctx context.Context, req *Request) (*wire.Response, error)
}

// Registry is a mutable command-name -> Handler mapping. The zero value is
// not usable; use NewRegistry. Registry is safe for concurrent Lookup once
// registration has finished (spec §9: "handler map (immutable after
// startup)"); Register itself is not meant to be called concurrently with
// Lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	// OnCollision, if set, is called when Register overwrites an existing
	// name (spec §9: "override precedence is last registration wins and a
	// warning is emitted on collision").
	OnCollision func(name string)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h under h.Name(), replacing any previous handler with
// the same name. Last registration wins (spec §9).
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists && r.OnCollision != nil {
		r.OnCollision(h.Name())
	}
	r.handlers[h.Name()] = h
}

// Lookup returns the handler registered under name, or (nil, false) on miss.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered command names in sorted order, used by
// commands_pod to produce a deterministic listing.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// directiveLine matches a "+N" line-number directive (spec §4.5/§8), which
// is passed through untranslated by both the client and the vi/viwait
// handlers.
var directiveLine = regexp.MustCompile(`^\+[0-9]+$`)

// PrefixStrategy rewrites an absolute remote path into the form the local
// editor should open, per the §9 Open Question decision: default to the
// documented scp://<alias>/<path> URI, with the legacy /tmp/<alias>/...
// local-mount rewrite available as an explicit opt-in.
type PrefixStrategy func(hostAlias, path string) string

// ScpURIPrefix is the default PrefixStrategy: "scp://<alias>/<path>".
func ScpURIPrefix(hostAlias, path string) string {
	return fmt.Sprintf("scp://%s%s", hostAlias, path)
}

// LocalMountPrefix is the opt-in legacy PrefixStrategy: "/tmp/<alias><path>".
// It is the source's hardcoded behavior (spec §4.7, §9 Open Question) and is
// only selected when a listener is started with --local-mount-prefix or with
// BCVI_LOCAL_MOUNT_PREFIX set in its environment.
//
// host_alias and the path both originate in the request body the remote
// wrapper sent over the back channel, so before handing the result to a
// Launcher, it is resolved against the per-alias sandbox root and rejected
// if it would escape it via ".." traversal or a planted symlink; a rejected
// path collapses to the sandbox root itself rather than the raw, unsafe
// concatenation.
func LocalMountPrefix(hostAlias, path string) string {
	base := "/tmp/" + hostAlias
	resolved, err := fileutil.ResolveSandboxPath(base, path)
	if err != nil {
		return base
	}
	return resolved
}

// splitBody splits a handler body into non-empty lines, per spec §4.1: "Body
// bytes are the path list joined by LF with a trailing LF per path."
func splitBody(body []byte) []string {
	raw := strings.Split(string(body), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// translatePaths rewrites every non-directive line in lines using prefix,
// leaving +N directives untouched (spec §4.7, §8 "Path translation
// idempotence").
func translatePaths(hostAlias string, lines []string, prefix PrefixStrategy) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		if directiveLine.MatchString(l) {
			out[i] = l
			continue
		}
		out[i] = prefix(hostAlias, l)
	}
	return out
}

// Launcher spawns the external editor process bcvi hands translated paths
// to. It is injected so handlers stay testable without actually execing a
// GUI binary (spec §1: the editor is an opaque external collaborator).
type Launcher interface {
	// Launch starts the editor on args and returns immediately without
	// waiting for it to exit (used by vi).
	Launch(ctx context.Context, args []string) error
	// LaunchAndWait starts the editor on args and blocks until it exits
	// (used by viwait).
	LaunchAndWait(ctx context.Context, args []string) error
}

// ExecLauncher is the production Launcher: it execs a named binary via
// os/exec, matching how the teacher's docker.Executor shells out to the
// docker CLI rather than linking a client library (spec §1 out-of-scope:
// "the editor binary ... invoked by name").
type ExecLauncher struct {
	// Path is the editor binary to exec (e.g. "gvim", "code").
	Path string
}

func (l *ExecLauncher) Launch(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, l.Path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("handlers: launch %s: %w", l.Path, err)
	}
	// Detached: the caller (vi) does not wait, so reap it in the
	// background to avoid a zombie once it exits.
	go cmd.Wait()
	return nil
}

func (l *ExecLauncher) LaunchAndWait(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, l.Path, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("handlers: run %s: %w", l.Path, err)
	}
	return nil
}

// PtyLauncher runs a terminal-based editor (as opposed to ExecLauncher's
// graphical-editor assumption) under an allocated pseudo-terminal, so the
// spawned editor gets a real controlling tty even though the listener
// itself has none (it was started as a detached daemon). Used for vi and
// viwait when the configured editor is a terminal program rather than a GUI
// one.
type PtyLauncher struct {
	// Path is the terminal editor binary to exec (e.g. "vim", "nano").
	Path string
}

func (l *PtyLauncher) Launch(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, l.Path, args...)
	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("handlers: pty start %s: %w", l.Path, err)
	}
	// Detached: the caller (vi) does not wait, so drain the pty and reap
	// the editor in the background, closing the pty once it exits.
	go io.Copy(io.Discard, f)
	go func() {
		cmd.Wait()
		f.Close()
	}()
	return nil
}

func (l *PtyLauncher) LaunchAndWait(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, l.Path, args...)
	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("handlers: pty start %s: %w", l.Path, err)
	}
	defer f.Close()
	// Drain the pty's output so the editor never blocks on a full pipe
	// buffer; nothing local reads this copy of the session.
	go io.Copy(io.Discard, f)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("handlers: pty run %s: %w", l.Path, err)
	}
	return nil
}

// viHandler implements "vi" and "viwait" (spec §4.7); wait selects which.
type viHandler struct {
	name     string
	wait     bool
	launcher Launcher
	prefix   PrefixStrategy
}

// NewVi returns the "vi" handler: launches the editor detached and returns
// immediately (spec §4.7 "vi").
func NewVi(launcher Launcher, prefix PrefixStrategy) Handler {
	return &viHandler{name: "vi", launcher: launcher, prefix: prefix}
}

// NewViwait returns the "viwait" handler: launches the editor and waits for
// it to exit before the listener sends 200 (spec §4.7 "viwait").
func NewViwait(launcher Launcher, prefix PrefixStrategy) Handler {
	return &viHandler{name: "viwait", wait: true, launcher: launcher, prefix: prefix}
}

func (h *viHandler) Name() string { return h.name }

func (h *viHandler) Doc() string {
	if h.wait {
		return "viwait <paths...>: edit paths and wait for the editor to exit before completing the request."
	}
	return "vi <paths...>: edit paths; the editor is launched detached and the request completes immediately."
}

func (h *viHandler) Handle(ctx context.Context, req *Request) (*wire.Response, error) {
	lines := splitBody(req.Body)
	args := translatePaths(req.HostAlias, lines, h.prefix)

	// A handler failure (non-zero editor exit, exec failure) never
	// prevents the 200 response — the protocol reports transport
	// success, not application success (spec §7.6). We still propagate
	// the error to the caller for logging.
	var err error
	if h.wait {
		err = h.launcher.LaunchAndWait(ctx, args)
	} else {
		err = h.launcher.Launch(ctx, args)
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// scpdHandler implements "scpd" (spec §4.7): copies files from the remote
// host to the local Desktop via scp.
type scpdHandler struct {
	// SCPPath is the scp binary to exec (default "scp").
	SCPPath string
	// DesktopDir is the destination directory (typically
	// "<home>/Desktop").
	DesktopDir string
	run        func(ctx context.Context, name string, args []string) error
}

// NewScpd returns the "scpd" handler.
func NewScpd(scpPath, desktopDir string) Handler {
	return &scpdHandler{
		SCPPath:    scpPath,
		DesktopDir: desktopDir,
		run: func(ctx context.Context, name string, args []string) error {
			cmd := exec.CommandContext(ctx, name, args...)
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("handlers: %s: %w: %s", name, err, stderr.String())
			}
			return nil
		},
	}
}

func (h *scpdHandler) Name() string { return "scpd" }

func (h *scpdHandler) Doc() string {
	return "scpd <paths...>: copy paths from the remote host to the local Desktop via scp."
}

func (h *scpdHandler) Handle(ctx context.Context, req *Request) (*wire.Response, error) {
	lines := splitBody(req.Body)
	files := make([]string, len(lines))
	for i, l := range lines {
		files[i] = fmt.Sprintf("%s:%s", req.HostAlias, l)
	}

	args := append([]string{"-q", "--"}, files...)
	args = append(args, h.DesktopDir)

	if err := h.run(ctx, h.SCPPath, args); err != nil {
		return nil, err
	}
	return nil, nil
}

// commandsPodHandler implements "commands_pod" (spec §4.7): reflects the
// listener's handler registry back to the client so --help / --plugin-help
// can render server-installed command documentation without the client
// knowing about plugins in advance.
type commandsPodHandler struct {
	registry *Registry
}

// NewCommandsPod returns the "commands_pod" handler, bound to registry (the
// same registry it is itself registered in, so it can introspect sibling
// handlers including itself).
func NewCommandsPod(registry *Registry) Handler {
	return &commandsPodHandler{registry: registry}
}

func (h *commandsPodHandler) Name() string { return "commands_pod" }

func (h *commandsPodHandler) Doc() string {
	return "commands_pod: list registered commands and their documentation as text/pod."
}

// xPluginLine matches the "X-Plugin: <name>" body line --plugin-help sends
// in place of a path list (spec §3), asking for one handler's documentation
// instead of the full listing.
var xPluginLine = regexp.MustCompile(`^X-Plugin: (.+)$`)

func (h *commandsPodHandler) Handle(ctx context.Context, req *Request) (*wire.Response, error) {
	filter := ""
	for _, line := range splitBody(req.Body) {
		if m := xPluginLine.FindStringSubmatch(line); m != nil {
			filter = m[1]
			break
		}
	}

	var b strings.Builder
	for _, name := range h.registry.Names() {
		if filter != "" && name != filter {
			continue
		}
		handler, ok := h.registry.Lookup(name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "=head2 %s\n\n%s\n\n", name, handler.Doc())
	}
	return &wire.Response{
		Code:        wire.CodeResponseBody,
		ContentType: "text/pod",
		Body:        []byte(b.String()),
	}, nil
}
