package clientengine

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"

	"github.com/tadhunt/bcvi/internal/wire"
)

func TestParseConf_Valid(t *testing.T) {
	c, err := ParseConf("pluto:localhost:5009:deadbeef")
	if err != nil {
		t.Fatalf("ParseConf: %v", err)
	}
	if c.HostAlias != "pluto" || c.Gateway != "localhost" || c.Port != 5009 || c.AuthKey != "deadbeef" {
		t.Fatalf("ParseConf = %+v", c)
	}
}

func TestParseConf_WrongFieldCount(t *testing.T) {
	if _, err := ParseConf("pluto:localhost:5009"); err == nil {
		t.Fatal("expected ErrMalformedConf")
	}
}

func TestParseConf_NonNumericPort(t *testing.T) {
	if _, err := ParseConf("pluto:localhost:abc:deadbeef"); err == nil {
		t.Fatal("expected ErrMalformedConf")
	}
}

func TestParseConf_EmptyField(t *testing.T) {
	if _, err := ParseConf("pluto::5009:deadbeef"); err == nil {
		t.Fatal("expected ErrMalformedConf")
	}
}

func TestTranslatePaths_RelativeBecomesAbsolute(t *testing.T) {
	got := TranslatePaths([]string{"README"}, "/home/x", false)
	if len(got) != 1 || got[0] != "/home/x/README" {
		t.Fatalf("got %v", got)
	}
}

// TestTranslatePaths_LiteralScenario covers spec §8 scenario 4.
func TestTranslatePaths_LiteralScenario(t *testing.T) {
	got := TranslatePaths([]string{"+42", "README"}, "/home/x", false)
	want := []string{"+42", "/home/x/README"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTranslatePaths_AlreadyAbsoluteIsIdempotent(t *testing.T) {
	got := TranslatePaths([]string{"/etc/hosts"}, "/home/x", false)
	if got[0] != "/etc/hosts" {
		t.Fatalf("got %v, want unchanged absolute path", got)
	}
}

func TestTranslatePaths_DisabledPassesThrough(t *testing.T) {
	got := TranslatePaths([]string{"README"}, "/home/x", true)
	if got[0] != "README" {
		t.Fatalf("got %v, want unchanged (translation disabled)", got)
	}
}

// dialPipe returns a Dialer that always hands back conn, letting tests drive
// Run() over one end of a net.Pipe instead of a real socket.
func dialPipe(conn net.Conn) Dialer {
	return func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
		return conn, nil
	}
}

func TestRun_SuccessResponse(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverSide.Close()
		wire.WriteGreeting(serverSide, "1.0")
		r := bufio.NewReader(serverSide)
		req, err := wire.ReadRequest(r)
		if err != nil {
			t.Errorf("server: ReadRequest: %v", err)
			return
		}
		if req.Command != "vi" || req.HostAlias != "pluto" {
			t.Errorf("server saw req = %+v", req)
		}
		wire.WriteResponse(serverSide, &wire.Response{Code: wire.CodeSuccess})
	}()

	conf := &Conf{HostAlias: "pluto", Gateway: "localhost", Port: 5009, AuthKey: "deadbeef"}
	res, err := Run(context.Background(), Options{
		Conf:  conf,
		Paths: []string{"/etc/hosts"},
		Cwd:   "/home/x",
	}, dialPipe(clientSide))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response.Code != wire.CodeSuccess {
		t.Fatalf("Response.Code = %d, want 200", res.Response.Code)
	}
	if res.ServerVersion != "1.0" {
		t.Fatalf("ServerVersion = %q, want 1.0", res.ServerVersion)
	}
	<-done
}

func TestRun_DeniedReturnsProtocolError(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go func() {
		defer serverSide.Close()
		wire.WriteGreeting(serverSide, "1.0")
		r := bufio.NewReader(serverSide)
		wire.ReadRequest(r)
		wire.WriteResponse(serverSide, &wire.Response{Code: wire.CodeDenied})
	}()

	conf := &Conf{HostAlias: "pluto", Gateway: "localhost", Port: 5009, AuthKey: "wrong"}
	_, err := Run(context.Background(), Options{Conf: conf, Cwd: "/home/x"}, dialPipe(clientSide))
	if err == nil {
		t.Fatal("expected ErrProtocol")
	}
	var protoErr *ErrProtocol
	if pe, ok := err.(*ErrProtocol); ok {
		protoErr = pe
	} else {
		t.Fatalf("err = %v (%T), want *ErrProtocol", err, err)
	}
	if protoErr.Code != wire.CodeDenied {
		t.Fatalf("protoErr.Code = %d, want %d", protoErr.Code, wire.CodeDenied)
	}
}

func TestRun_ResponseBodyIsExposed(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go func() {
		defer serverSide.Close()
		wire.WriteGreeting(serverSide, "1.0")
		r := bufio.NewReader(serverSide)
		wire.ReadRequest(r)
		wire.WriteResponse(serverSide, &wire.Response{
			Code: wire.CodeResponseBody, ContentType: "text/pod", Body: []byte("=head2 vi\n\nedit\n"),
		})
	}()

	conf := &Conf{HostAlias: "pluto", Gateway: "localhost", Port: 5009, AuthKey: "deadbeef"}
	res, err := Run(context.Background(), Options{Conf: conf, Command: "commands_pod", Cwd: "/"}, dialPipe(clientSide))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response.ContentType != "text/pod" || string(res.Response.Body) != "=head2 vi\n\nedit\n" {
		t.Fatalf("Response = %+v", res.Response)
	}
}

func TestRun_PluginFilterSendsXPluginLine(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverSide.Close()
		wire.WriteGreeting(serverSide, "1.0")
		r := bufio.NewReader(serverSide)
		req, err := wire.ReadRequest(r)
		if err != nil {
			t.Errorf("server: ReadRequest: %v", err)
			return
		}
		if string(req.Body) != "X-Plugin: scpd\n" {
			t.Errorf("req.Body = %q, want X-Plugin line", req.Body)
		}
		wire.WriteResponse(serverSide, &wire.Response{Code: wire.CodeResponseBody, ContentType: "text/pod"})
	}()

	conf := &Conf{HostAlias: "pluto", Gateway: "localhost", Port: 5009, AuthKey: "deadbeef"}
	_, err := Run(context.Background(), Options{
		Conf:         conf,
		Command:      "commands_pod",
		Cwd:          "/home/x",
		PluginFilter: "scpd",
		Paths:        []string{"should-be-ignored"},
	}, dialPipe(clientSide))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done
}

func TestRun_MissingConf(t *testing.T) {
	_, err := Run(context.Background(), Options{}, func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
		t.Fatal("dial should not be called with a nil Conf")
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error for missing Conf")
	}
}
