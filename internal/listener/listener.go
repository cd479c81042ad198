// Package listener implements the bcvi listener engine (spec §4.6): the
// workstation-side daemon that binds a per-user TCP port, replaces any prior
// listener instance, and dispatches incoming back-channel requests to
// registered command handlers.
package listener

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tadhunt/bcvi/internal/config"
	"github.com/tadhunt/bcvi/internal/handlers"
	"github.com/tadhunt/bcvi/internal/wire"
)

// defaultRateLimit is the maximum number of new connections accepted per
// second, matching the teacher's tunnel.Server default connection-rate gate.
const defaultRateLimit rate.Limit = 20

// defaultMaxPending caps simultaneous in-flight connections so a burst of
// bad clients cannot fork-bomb the workstation (spec §4.6 rationale: a
// handler crash or hang must not take down the listener).
const defaultMaxPending = 64

// ProcessChecker abstracts liveness/signal delivery to a pid so the startup
// self-replacement sequence (spec §4.6 step 1) is testable without sending
// real signals.
type ProcessChecker interface {
	// Signal delivers sig to pid. For a process that no longer exists it
	// may return os.ErrProcessDone or ESRCH; replacePriorListener treats
	// those (and permission errors) as a stale pid, i.e. success.
	Signal(pid int, sig os.Signal) error
}

// osProcessChecker is the production ProcessChecker, backed by os.FindProcess
// + Process.Signal (Unix semantics: FindProcess always succeeds, the error
// surfaces from Signal).
type osProcessChecker struct{}

func (osProcessChecker) Signal(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Signal(sig)
}

// Config bundles everything the listener needs at startup, mirroring the
// teacher's Server struct (DataDir/ListenAddr/Validator/Pool/Hooks) but
// scoped to bcvi's single-user, file-backed model.
type Config struct {
	Store       *config.Store
	ListenAddr  string // host part only; port is resolved separately
	Port        int    // 0 means "use config.DefaultPort(uid)"
	UID         int
	ReuseAuth   bool
	Registry    *handlers.Registry
	Version     string
	RateLimit   rate.Limit
	MaxPending  int
	Process     ProcessChecker
	Logger      zerolog.Logger
}

// Listener is a bound, running bcvi back-channel server.
type Listener struct {
	cfg     Config
	authKey string
	ln      net.Listener
	limiter *rate.Limiter
	sem     chan struct{}
}

// ErrPortInUse is returned by Start when the chosen port is still bound
// after the self-replacement sequence completes (spec §7.7: "an already-
// bound port after killing the prior listener is fatal").
var ErrPortInUse = errors.New("listener: port still in use after replacing prior listener")

// Start runs the full startup sequence (spec §4.6) and returns a bound
// Listener ready for Serve. It does not itself enter the accept loop.
func Start(cfg Config) (*Listener, error) {
	if cfg.Process == nil {
		cfg.Process = osProcessChecker{}
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = defaultMaxPending
	}

	if err := replacePriorListener(cfg.Store, cfg.Process); err != nil {
		return nil, fmt.Errorf("listener: replace prior listener: %w", err)
	}

	if err := cfg.Store.WritePID(os.Getpid()); err != nil {
		return nil, fmt.Errorf("listener: persist pid: %w", err)
	}

	authKey, err := resolveAuthKey(cfg.Store, cfg.ReuseAuth)
	if err != nil {
		return nil, fmt.Errorf("listener: resolve auth key: %w", err)
	}
	if err := cfg.Store.WriteKey(authKey); err != nil {
		return nil, fmt.Errorf("listener: persist auth key: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort(cfg.UID)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.ListenAddr, port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortInUse, err)
	}

	boundPort := ln.Addr().(*net.TCPAddr).Port
	if err := cfg.Store.WritePort(boundPort); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("listener: persist port: %w", err)
	}

	return &Listener{
		cfg:     cfg,
		authKey: authKey,
		ln:      ln,
		limiter: rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)),
		sem:     make(chan struct{}, cfg.MaxPending),
	}, nil
}

// Addr returns the bound listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// AuthKey returns the key generated (or retained, with --reuse-auth) at
// startup. Exposed for --wrap-ssh / install flows that need to pack it into
// TERM without re-reading the store.
func (l *Listener) AuthKey() string { return l.authKey }

// Close stops accepting new connections. In-flight workers are not
// cancelled (spec §5 "Cancellation": "in-flight workers are not notified
// and continue to completion").
func (l *Listener) Close() error { return l.ln.Close() }

// Serve runs the single-threaded accept loop (spec §4.6 "Accept loop"),
// spawning one isolated goroutine worker per accepted connection. It
// returns when ctx is cancelled or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	var group errgroup.Group

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				group.Wait() //nolint:errcheck // best-effort drain on shutdown
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("listener: accept: %w", err)
		}

		if !l.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		select {
		case l.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		// Each worker inherits the auth key, registry, and logger by copy
		// at spawn (spec §5 "Shared resources", §9 "Forking for
		// per-connection isolation") — no mutable state is shared.
		authKey := l.authKey
		registry := l.cfg.Registry
		logger := l.cfg.Logger
		version := l.cfg.Version
		group.Go(func() error {
			defer func() { <-l.sem }()
			handleConnection(context.Background(), conn, authKey, version, registry, logger)
			return nil
		})
	}
}

// handleConnection implements the per-connection sequence (spec §4.6
// "Per-connection sequence"). Any failure ends this connection only; it
// never propagates to the accept loop (spec §4.6: "Handlers must never
// propagate exceptions past the connection boundary").
func handleConnection(ctx context.Context, conn net.Conn, authKey, version string, registry *handlers.Registry, logger zerolog.Logger) {
	defer conn.Close()

	connectedAt := time.Now()
	defer func() {
		logger.Debug().Str("age", humanize.Time(connectedAt)).Msg("connection closed")
	}()

	traceID := uuid.NewString()
	log := logger.With().Str("trace_id", traceID).Str("remote", conn.RemoteAddr().String()).Logger()

	if version == "" {
		version = "1.0"
	}
	if err := wire.WriteGreeting(conn, version); err != nil {
		log.Error().Err(err).Msg("write greeting")
		return
	}

	r := bufio.NewReader(conn)
	req, err := wire.ReadRequest(r)
	if err != nil {
		log.Error().Err(err).Msg("read request")
		return
	}
	// Authenticate before structural validation, so an absent or malformed
	// Auth-Key is answered with 900 like any other wrong key.
	if subtle.ConstantTimeCompare([]byte(req.AuthKey), []byte(authKey)) != 1 {
		warnTTY("bcvi: authentication failed from %s\n", conn.RemoteAddr())
		_ = wire.WriteResponse(conn, &wire.Response{Code: wire.CodeDenied})
		log.Warn().Msg("auth denied")
		return
	}

	if err := req.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid request")
		return
	}
	log.Debug().Str("command", req.Command).Str("body_size", humanize.Bytes(uint64(len(req.Body)))).Msg("request read")

	handler, ok := registry.Lookup(req.Command)
	if !ok {
		_ = wire.WriteResponse(conn, &wire.Response{Code: wire.CodeUnknownCmd})
		log.Warn().Str("command", req.Command).Msg("unknown command")
		return
	}

	resp, err := handler.Handle(ctx, &handlers.Request{HostAlias: req.HostAlias, Body: req.Body})
	if err != nil {
		// Handler failures do not change the response (spec §7.6); they
		// are logged only.
		log.Error().Err(err).Str("command", req.Command).Msg("handler error")
	}
	if resp == nil {
		resp = &wire.Response{Code: wire.CodeSuccess}
	}
	if err := wire.WriteResponse(conn, resp); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

// warnTTY prints to stderr only when stderr is a terminal (spec §4.6 step 3,
// §7.4: "avoids noise in daemon logs").
func warnTTY(format string, args ...any) {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return
	}
	fmt.Fprint(os.Stderr, color.YellowString(format, args...))
}

// replacePriorListener implements spec §4.6 step 1: signal any previously
// recorded listener pid through an escalating sequence, tolerating an
// already-dead process.
func replacePriorListener(store *config.Store, proc ProcessChecker) error {
	pid, ok, err := store.ReadPID()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	schedule := []struct {
		sig   os.Signal
		sleep time.Duration
	}{
		{syscall.SIGHUP, time.Second},
		{syscall.SIGHUP, time.Second},
		{syscall.SIGKILL, time.Second},
		{syscall.SIGKILL, 0},
	}

	for _, step := range schedule {
		if err := proc.Signal(pid, step.sig); err != nil {
			if isStaleProcessError(err) {
				return nil
			}
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		if step.sleep > 0 {
			time.Sleep(step.sleep)
		}
	}
	return nil
}

// isStaleProcessError reports whether err indicates the recorded pid no
// longer belongs to a listener bcvi can or needs to kill: it has already
// exited, or bcvi lacks permission to signal it (spec §4.6 step 1: "Absent
// process or 'no such process' is success; permission-denied is treated as
// stale").
func isStaleProcessError(err error) bool {
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return true
	}
	return os.IsPermission(err)
}

// resolveAuthKey implements spec §4.6 step 3: a fresh random key, unless
// --reuse-auth asks to retain whatever is already on disk (falling back to
// a fresh key if none exists yet).
func resolveAuthKey(store *config.Store, reuse bool) (string, error) {
	if reuse {
		if key, ok, err := store.ReadKey(); err != nil {
			return "", err
		} else if ok {
			return key, nil
		}
	}
	return generateAuthKey()
}

// generateAuthKey hashes the pid, the wall clock and 32 random bytes into a
// hex auth key (spec §4.6 step 3). No network address is mixed into the hash.
func generateAuthKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d", os.Getpid(), time.Now().UnixNano())
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}
