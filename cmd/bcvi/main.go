// Command bcvi is the single executable implementing every role in the
// back-channel vi protocol: the workstation listener, the remote client,
// and the SSH wrapper that bootstraps the two together (spec §1).
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	setupLogger()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bcvi: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger configures the package-level zerolog logger from BCVI_LOG_LEVEL
// / BCVI_LOG_FORMAT, matching the teacher's cmd/server setupLogger idiom
// (zerolog.ConsoleWriter for a human-readable mode, JSON otherwise).
func setupLogger() {
	level, err := zerolog.ParseLevel(os.Getenv("BCVI_LOG_LEVEL"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("BCVI_LOG_FORMAT") == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// modeFlags holds every CLI mode option (spec §6). Exactly one mode applies
// per invocation; newRootCmd's RunE picks among them in a fixed priority
// order.
type modeFlags struct {
	help             bool
	listener         bool
	install          []string
	addAliases       bool
	unpackTerm       bool
	wrapSSH          bool
	version          bool
	noPathXlate      bool
	port             int
	command          string
	reuseAuth        bool
	pluginHelp       string
	localMountPrefix bool
}

func newRootCmd() *cobra.Command {
	flags := &modeFlags{}

	cmd := &cobra.Command{
		Use:           "bcvi [paths...]",
		Short:         "Back-channel vi: edit remote files with a local GUI editor over an SSH reverse tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(cmd, flags, args)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&flags.help, "help", "?", false, "render built-in documentation via pager")
	f.BoolVarP(&flags.listener, "listener", "l", false, "become the listener")
	f.StringSliceVar(&flags.install, "install", nil, "copy executable to each host and install shell aliases remotely")
	f.BoolVar(&flags.addAliases, "add-aliases", false, "edit local shell rc files to add the alias block")
	f.BoolVar(&flags.unpackTerm, "unpack-term", false, "emit shell code that re-exports variables packed into TERM")
	f.BoolVarP(&flags.wrapSSH, "wrap-ssh", "s", false, "rewrite and exec ssh (args after -- are the ssh command line)")
	f.BoolVarP(&flags.version, "version", "v", false, "print client and (if reachable) server version")
	f.BoolVarP(&flags.noPathXlate, "no-path-xlate", "n", false, "skip absolute-path translation in the client body")
	f.IntVarP(&flags.port, "port", "p", 0, "override the default port")
	f.StringVarP(&flags.command, "command", "c", "vi", "select handler")
	f.BoolVar(&flags.reuseAuth, "reuse-auth", false, "on listener start, keep the previous auth key")
	f.StringVar(&flags.pluginHelp, "plugin-help", "", "show documentation for a named plugin")
	f.BoolVar(&flags.localMountPrefix, "local-mount-prefix", false, "use the legacy /tmp/<alias>/<path> local-mount rewrite instead of scp://<alias>/<path>")

	// A "help" flag is already registered above with the spec's -? alias,
	// so cobra's own --help/-h injection is skipped automatically. Cobra
	// still answers any flag named "help" itself before RunE runs, so its
	// help function is pointed at runHelp to render the built-in text.
	cmd.SetHelpFunc(func(*cobra.Command, []string) { _ = runHelp() })
	cmd.DisableFlagsInUseLine = true
	cmd.Flags().SortFlags = false

	return cmd
}
