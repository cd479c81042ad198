package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tadhunt/bcvi/internal/wire"
)

// fakeLauncher records invocations instead of execing a real editor.
type fakeLauncher struct {
	mu       sync.Mutex
	launched [][]string
	waited   [][]string
	err      error
}

func (f *fakeLauncher) Launch(ctx context.Context, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, args)
	return f.err
}

func (f *fakeLauncher) LaunchAndWait(ctx context.Context, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, args)
	return f.err
}

// TestVi_LiteralScenario covers spec §8 scenario 1: body "/etc/hosts\n",
// host_alias "pluto", expect the editor launched with "/tmp/pluto/etc/hosts"
// when the local-mount prefix strategy is selected.
func TestVi_LiteralScenario(t *testing.T) {
	fl := &fakeLauncher{}
	h := NewVi(fl, LocalMountPrefix)

	resp, err := h.Handle(context.Background(), &Request{
		HostAlias: "pluto",
		Body:      []byte("/etc/hosts\n"),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp != nil {
		t.Fatalf("Handle returned non-nil response %+v, want nil (implicit 200)", resp)
	}
	if len(fl.launched) != 1 || len(fl.launched[0]) != 1 || fl.launched[0][0] != "/tmp/pluto/etc/hosts" {
		t.Fatalf("launched = %v, want [[/tmp/pluto/etc/hosts]]", fl.launched)
	}
}

func TestVi_LocalMountPrefixRejectsTraversal(t *testing.T) {
	fl := &fakeLauncher{}
	h := NewVi(fl, LocalMountPrefix)

	_, err := h.Handle(context.Background(), &Request{
		HostAlias: "pluto",
		Body:      []byte("/../../../../../../etc/passwd\n"),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(fl.launched) != 1 || len(fl.launched[0]) != 1 {
		t.Fatalf("launched = %v, want exactly one arg", fl.launched)
	}
	if fl.launched[0][0] != "/tmp/pluto" {
		t.Fatalf("launched = %v, want the sandbox root on a traversal attempt", fl.launched)
	}
}

func TestVi_DefaultPrefixIsScpURI(t *testing.T) {
	fl := &fakeLauncher{}
	h := NewVi(fl, ScpURIPrefix)

	_, err := h.Handle(context.Background(), &Request{
		HostAlias: "pluto",
		Body:      []byte("/etc/hosts\n"),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := "scp://pluto/etc/hosts"
	if len(fl.launched) != 1 || fl.launched[0][0] != want {
		t.Fatalf("launched = %v, want [[%s]]", fl.launched, want)
	}
}

func TestVi_DirectivePassedThrough(t *testing.T) {
	fl := &fakeLauncher{}
	h := NewVi(fl, ScpURIPrefix)

	_, err := h.Handle(context.Background(), &Request{
		HostAlias: "pluto",
		Body:      []byte("+42\n/home/x/README\n"),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []string{"+42", "scp://pluto/home/x/README"}
	if len(fl.launched) != 1 || len(fl.launched[0]) != 2 || fl.launched[0][0] != want[0] || fl.launched[0][1] != want[1] {
		t.Fatalf("launched = %v, want [%v]", fl.launched, want)
	}
}

func TestViwait_WaitsForLauncher(t *testing.T) {
	fl := &fakeLauncher{}
	h := NewViwait(fl, ScpURIPrefix)

	_, err := h.Handle(context.Background(), &Request{HostAlias: "pluto", Body: []byte("/a\n")})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(fl.waited) != 1 {
		t.Fatalf("waited = %v, want exactly one call", fl.waited)
	}
	if len(fl.launched) != 0 {
		t.Fatalf("launched (detached) = %v, want none — viwait must use LaunchAndWait", fl.launched)
	}
}

func TestVi_LauncherErrorStillReturnsNoTerminalResponse(t *testing.T) {
	// Per spec §7.6, a handler failure does not prevent the 200 response
	// the listener sends; Handle still reports the error for logging, but
	// callers must not treat a non-nil error as "send 900/910".
	fl := &fakeLauncher{err: errors.New("boom")}
	h := NewVi(fl, ScpURIPrefix)

	resp, err := h.Handle(context.Background(), &Request{HostAlias: "pluto", Body: []byte("/a\n")})
	if err == nil {
		t.Fatal("expected error to propagate for logging")
	}
	if resp != nil {
		t.Fatalf("resp = %+v, want nil", resp)
	}
}

func TestPtyLauncher_RunsAndWaits(t *testing.T) {
	l := &PtyLauncher{Path: "/bin/echo"}
	if err := l.LaunchAndWait(context.Background(), []string{"hello"}); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}
}

func TestPtyLauncher_NonexistentBinaryErrors(t *testing.T) {
	l := &PtyLauncher{Path: "/no/such/binary-bcvi-test"}
	if err := l.LaunchAndWait(context.Background(), nil); err == nil {
		t.Fatal("expected error for nonexistent binary")
	}
}

func TestScpd_BuildsHostPrefixedArgs(t *testing.T) {
	h := NewScpd("scp", "/home/me/Desktop").(*scpdHandler)

	var gotName string
	var gotArgs []string
	h.run = func(ctx context.Context, name string, args []string) error {
		gotName = name
		gotArgs = args
		return nil
	}

	_, err := h.Handle(context.Background(), &Request{
		HostAlias: "pluto",
		Body:      []byte("/etc/hosts\n/etc/motd\n"),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotName != "scp" {
		t.Fatalf("name = %q, want scp", gotName)
	}
	want := []string{"-q", "--", "pluto:/etc/hosts", "pluto:/etc/motd", "/home/me/Desktop"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	var collided string
	r.OnCollision = func(name string) { collided = name }

	first := NewVi(&fakeLauncher{}, ScpURIPrefix)
	second := NewViwait(&fakeLauncher{}, ScpURIPrefix)
	// Force a name collision to exercise the override path.
	r.Register(&namedHandler{Handler: first, name: "vi"})
	r.Register(&namedHandler{Handler: second, name: "vi"})

	if collided != "vi" {
		t.Fatalf("OnCollision fired for %q, want vi", collided)
	}
	got, ok := r.Lookup("vi")
	if !ok || got.Doc() != second.Doc() {
		t.Fatalf("Lookup(vi) did not return the last-registered handler")
	}
}

func TestRegistry_Names_Sorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&namedHandler{Handler: NewVi(&fakeLauncher{}, ScpURIPrefix), name: "viwait"})
	r.Register(&namedHandler{Handler: NewVi(&fakeLauncher{}, ScpURIPrefix), name: "scpd"})
	r.Register(&namedHandler{Handler: NewVi(&fakeLauncher{}, ScpURIPrefix), name: "vi"})

	got := r.Names()
	want := []string{"scpd", "vi", "viwait"}
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCommandsPod_ListsRegisteredCommands(t *testing.T) {
	r := NewRegistry()
	r.Register(NewVi(&fakeLauncher{}, ScpURIPrefix))
	r.Register(NewScpd("scp", "/home/me/Desktop"))
	pod := NewCommandsPod(r)
	r.Register(pod)

	resp, err := pod.Handle(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp == nil || resp.Code != wire.CodeResponseBody {
		t.Fatalf("resp = %+v, want CodeResponseBody", resp)
	}
	if resp.ContentType != "text/pod" {
		t.Fatalf("ContentType = %q, want text/pod", resp.ContentType)
	}
	body := string(resp.Body)
	for _, want := range []string{"vi", "scpd", "commands_pod"} {
		if !strings.Contains(body, want) {
			t.Errorf("pod body missing %q:\n%s", want, body)
		}
	}
}

func TestCommandsPod_XPluginLineFiltersToOneHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(NewVi(&fakeLauncher{}, ScpURIPrefix))
	r.Register(NewScpd("scp", "/home/me/Desktop"))
	pod := NewCommandsPod(r)
	r.Register(pod)

	resp, err := pod.Handle(context.Background(), &Request{Body: []byte("X-Plugin: scpd\n")})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	body := string(resp.Body)
	if !strings.Contains(body, "scpd") {
		t.Errorf("pod body missing scpd:\n%s", body)
	}
	if strings.Contains(body, "=head2 vi") {
		t.Errorf("pod body should be filtered to scpd only:\n%s", body)
	}
}

// namedHandler lets tests register a stand-in handler under an arbitrary
// name without adding test-only exports to the package's public API.
type namedHandler struct {
	Handler
	name string
}

func (n *namedHandler) Name() string { return n.name }
