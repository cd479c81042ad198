package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"plugin"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tadhunt/bcvi/internal/aliasinstall"
	"github.com/tadhunt/bcvi/internal/clientengine"
	"github.com/tadhunt/bcvi/internal/config"
	"github.com/tadhunt/bcvi/internal/handlers"
	"github.com/tadhunt/bcvi/internal/listener"
	"github.com/tadhunt/bcvi/internal/sshwrap"
	"github.com/tadhunt/bcvi/internal/term"
	"github.com/tadhunt/bcvi/internal/wire"
)

// dispatch picks the single applicable mode (spec §6: "one executable with
// mutually exclusive mode options") and runs it. Priority follows the order
// flags are documented in spec §6 when more than one happens to be set.
func dispatch(cmd *cobra.Command, f *modeFlags, args []string) error {
	switch {
	case f.help:
		return runHelp()
	case f.listener:
		return runListener(f)
	case len(f.install) > 0:
		return runInstall(f.install)
	case f.addAliases:
		return runAddAliases()
	case f.unpackTerm:
		return runUnpackTerm()
	case f.wrapSSH:
		return runWrapSSH(cmd, f, args)
	case f.version:
		return runVersion(f)
	case f.pluginHelp != "":
		return runPluginHelp(f)
	default:
		return runClient(f, args)
	}
}

// clientVersion is the version string this build reports (spec §4.5
// --version variant). bcvi has no release pipeline in this exercise, so it
// is a fixed development marker rather than something stamped by a build
// system.
const clientVersion = "bcvi/1.0"

func pagerCommand() string {
	if p := os.Getenv("PAGER"); p != "" {
		return p
	}
	return "less"
}

// runHelp renders the built-in documentation through the user's preferred
// pager (spec §6 --help, §1 "the pager used to format help text" is an
// opaque out-of-scope collaborator).
func runHelp() error {
	doc := builtinHelpText()
	cmd := exec.Command(pagerCommand())
	cmd.Stdin = strings.NewReader(doc)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		// A missing/broken pager must not hide the help text itself.
		fmt.Print(doc)
	}
	return nil
}

func builtinHelpText() string {
	return `bcvi - back-channel vi

  bcvi [paths...]              edit paths on the remote host (client mode)
  bcvi --listener              become the listener on the workstation
  bcvi --wrap-ssh -- <args>     rewrite and exec ssh
  bcvi --add-aliases           install the shell alias block locally
  bcvi --install <hosts...>    copy bcvi to hosts and install aliases there
  bcvi --unpack-term           re-export variables packed into TERM
  bcvi --version               print client/server version
  bcvi --plugin-help <name>    show documentation for a named plugin
`
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return home, nil
}

// defaultHandlerRegistry builds the standard vi/viwait/scpd/commands_pod
// registry (spec §4.7). Plugin modules, if any are found under the config
// directory, are loaded separately by loadPlugins and registered after
// these so they can override by name (spec §9: "last registration wins").
func defaultHandlerRegistry(home string, local bool) *handlers.Registry {
	r := handlers.NewRegistry()
	r.OnCollision = func(name string) {
		log.Warn().Str("command", name).Msg("handler registration collision, last write wins")
	}

	prefix := handlers.ScpURIPrefix
	if local {
		prefix = handlers.LocalMountPrefix
	}

	editor := os.Getenv("BCVI_EDITOR")
	if editor == "" {
		editor = "gvim"
	}
	launcher := editorLauncher(editor)

	r.Register(handlers.NewVi(launcher, prefix))
	r.Register(handlers.NewViwait(launcher, prefix))
	r.Register(handlers.NewScpd("scp", filepath.Join(home, "Desktop")))
	r.Register(handlers.NewCommandsPod(r))
	return r
}

// terminalEditors lists BCVI_EDITOR basenames known to run inside a
// terminal rather than open their own GUI window. An editor in this list
// has nothing to draw to unless it is given a pseudo-terminal, since the
// listener that launches it has no controlling tty of its own (spec §4.7,
// §1 domain-stack note on github.com/creack/pty).
var terminalEditors = map[string]bool{
	"vi":    true,
	"vim":   true,
	"nvim":  true,
	"nano":  true,
	"pico":  true,
	"emacs": true,
	"ne":    true,
}

// editorLauncher picks ExecLauncher for GUI editors and PtyLauncher for
// known terminal editors, honoring an explicit BCVI_EDITOR_TTY override for
// editors this table doesn't recognize.
func editorLauncher(editor string) handlers.Launcher {
	tty := terminalEditors[filepath.Base(editor)]
	if v := os.Getenv("BCVI_EDITOR_TTY"); v != "" {
		tty = v == "1" || strings.EqualFold(v, "true")
	}
	if tty {
		return &handlers.PtyLauncher{Path: editor}
	}
	return &handlers.ExecLauncher{Path: editor}
}

// pluginRegisterSymbol is the exported symbol bcvi looks up in each plugin
// module (spec §4.7 "additional command names may be registered at listener
// startup by plugin modules loaded from the configuration directory").
const pluginRegisterSymbol = "Register"

// loadPlugins scans <configDir>/plugins/*.so, opens each with the runtime
// plugin loader, and calls its exported Register(*handlers.Registry)
// function. Plugins register after the built-in handlers, so a plugin can
// deliberately override a built-in name (spec §9 "last registration wins");
// registry.OnCollision still fires and is logged in that case. A plugin
// that fails to open or has the wrong symbol is logged and skipped — one
// broken plugin must not prevent the listener from starting.
func loadPlugins(configDir string, r *handlers.Registry) {
	matches, err := filepath.Glob(filepath.Join(configDir, "plugins", "*.so"))
	if err != nil {
		log.Warn().Err(err).Msg("scan plugin directory")
		return
	}
	for _, path := range matches {
		p, err := plugin.Open(path)
		if err != nil {
			log.Warn().Err(err).Str("plugin", path).Msg("open plugin")
			continue
		}
		sym, err := p.Lookup(pluginRegisterSymbol)
		if err != nil {
			log.Warn().Err(err).Str("plugin", path).Msg("plugin missing Register symbol")
			continue
		}
		register, ok := sym.(func(*handlers.Registry))
		if !ok {
			log.Warn().Str("plugin", path).Msg("plugin Register has the wrong signature")
			continue
		}
		register(r)
		log.Info().Str("plugin", path).Msg("loaded plugin")
	}
}

// runListener implements spec §6 --listener / §4.6.
func runListener(f *modeFlags) error {
	home, err := homeDir()
	if err != nil {
		return err
	}
	store := config.New(home)
	localMount := f.localMountPrefix || os.Getenv("BCVI_LOCAL_MOUNT_PREFIX") != ""
	registry := defaultHandlerRegistry(home, localMount)
	loadPlugins(store.Dir, registry)

	l, err := listener.Start(listener.Config{
		Store:      store,
		ListenAddr: "127.0.0.1",
		Port:       f.port,
		UID:        os.Getuid(),
		ReuseAuth:  f.reuseAuth,
		Registry:   registry,
		Version:    clientVersion,
		Logger:     log.Logger,
	})
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	log.Info().Str("addr", l.Addr().String()).Msg("bcvi listener started")

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		cancel()
	}()

	return l.Serve(ctx)
}

// runInstall implements spec §6 --install: copy the executable to each host
// and invoke the remote alias installer. scp/ssh are opaque out-of-scope
// collaborators (spec §1); this only shells out to them by name.
func runInstall(hosts []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}
	for _, host := range hosts {
		dest := fmt.Sprintf("%s:bin/bcvi", host)
		if err := runCmd("scp", "-q", self, dest); err != nil {
			return fmt.Errorf("install to %s: %w", host, err)
		}
		if err := runCmd("ssh", host, "bin/bcvi", "--add-aliases"); err != nil {
			return fmt.Errorf("install to %s: %w", host, err)
		}
		fmt.Printf("installed bcvi on %s\n", host)
	}
	return nil
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// runAddAliases implements spec §6 --add-aliases / §6 "Shell-alias block".
func runAddAliases() error {
	home, err := homeDir()
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}
	for _, rc := range []string{".bashrc", ".zshrc"} {
		path := filepath.Join(home, rc)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := aliasinstall.ApplyToFile(path, self); err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
	}
	return nil
}

// runUnpackTerm implements spec §6 --unpack-term / §4.3.
func runUnpackTerm() error {
	fmt.Print(term.Unpack(os.Getenv("TERM")))
	return nil
}

// runWrapSSH implements spec §6 --wrap-ssh / §4.4. args is everything after
// the cobra "--" separator (the literal ssh command line).
func runWrapSSH(cmd *cobra.Command, f *modeFlags, args []string) error {
	dash := cmd.Flags().ArgsLenAtDash()
	sshArgs := args
	if dash >= 0 {
		sshArgs = args[dash:]
	}

	home, err := homeDir()
	if err != nil {
		return err
	}
	store := config.New(home)

	localPort, ok, err := store.ReadPort()
	if err != nil {
		return fmt.Errorf("read listener_port: %w", err)
	}
	if !ok {
		localPort = config.DefaultPort(os.Getuid())
	}
	authKey, ok, err := store.ReadKey()
	if err != nil {
		return fmt.Errorf("read listener_key: %w", err)
	}
	if !ok {
		return fmt.Errorf("no bcvi listener is running (listener_key absent)")
	}

	result, err := sshwrap.Wrap(sshArgs, sshwrap.Options{
		UID:                os.Getuid(),
		LocalPort:          localPort,
		RemotePortOverride: f.port,
		AuthKey:            authKey,
		DefaultPort:        config.DefaultPort,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcvi: %v; exec-ing ssh unchanged\n", err)
		return execSSH(sshArgs)
	}

	packedTerm := term.Pack(os.Getenv("TERM"), result.TermConf)
	os.Setenv("TERM", packedTerm)
	return execSSH(result.Args)
}

func execSSH(args []string) error {
	path, err := exec.LookPath("ssh")
	if err != nil {
		return fmt.Errorf("locate ssh binary: %w", err)
	}
	argv := append([]string{"ssh"}, args...)
	return syscall.Exec(path, argv, os.Environ())
}

// runVersion implements spec §6 --version / §4.5.
func runVersion(f *modeFlags) error {
	fmt.Printf("bcvi client %s\n", clientVersion)

	conf, err := loadConf()
	if err != nil {
		// No BCVI_CONF means there is no reachable server to report on;
		// that is not an error for --version.
		return nil
	}
	serverVersion, err := clientengine.Version(context.Background(), conf, clientengine.NetDialer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcvi: server unreachable: %v\n", err)
		return nil
	}
	fmt.Printf("bcvi server %s\n", serverVersion)
	return nil
}

// runPluginHelp implements spec §3 --plugin-help: sends Command:
// commands_pod with PluginFilter set, so the body carries an "X-Plugin:
// <name>" line instead of a translated path list, then renders the
// returned POD text through $PAGER (spec §6 --help uses the same pager
// path via runHelp).
func runPluginHelp(f *modeFlags) error {
	conf, err := loadConf()
	if err != nil {
		return err
	}
	res, err := clientengine.Run(context.Background(), clientengine.Options{
		Conf:         conf,
		Command:      "commands_pod",
		Cwd:          ".",
		PluginFilter: f.pluginHelp,
	}, clientengine.NetDialer)
	if err != nil {
		return fmt.Errorf("fetch plugin documentation: %w", err)
	}

	body := string(res.Response.Body)
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("no documentation registered for plugin %q", f.pluginHelp)
	}

	cmd := exec.Command(pagerCommand())
	cmd.Stdin = strings.NewReader(body)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Print(body)
	}
	return nil
}

// runClient implements the default mode: the client engine (spec §4.5).
func runClient(f *modeFlags, args []string) error {
	conf, err := loadConf()
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	res, err := clientengine.Run(context.Background(), clientengine.Options{
		Conf:        conf,
		Command:     f.command,
		Paths:       args,
		NoPathXlate: f.noPathXlate,
		Cwd:         cwd,
	}, clientengine.NetDialer)
	if err != nil {
		if protoErr, ok := err.(*clientengine.ErrProtocol); ok {
			return fmt.Errorf("%s", protoErr.Message)
		}
		return err
	}

	if res.Response.Code == wire.CodeResponseBody && len(res.Response.Body) > 0 {
		fmt.Print(string(res.Response.Body))
	}
	return nil
}

// loadConf implements spec §4.5 step 2: load BCVI_CONF, failing fast if
// absent (spec §7.1 "Configuration errors").
func loadConf() (*clientengine.Conf, error) {
	raw := os.Getenv("BCVI_CONF")
	if raw == "" {
		return nil, fmt.Errorf("BCVI_CONF is not set; this shell was not started through bcvi's SSH wrapper")
	}
	return clientengine.ParseConf(raw)
}
