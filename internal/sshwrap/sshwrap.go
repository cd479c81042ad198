// Package sshwrap rewrites an SSH command line to bootstrap a bcvi back
// channel (spec §4.4): it injects a reverse port forward and packs the bcvi
// connection descriptor into TERM, then lets the caller exec the real ssh
// binary — ssh itself stays an opaque external process (spec §1 Out of
// scope), matching how the teacher's docker.Executor abstractions spawn
// external processes (os/exec) rather than reimplementing a protocol client.
package sshwrap

import (
	"errors"
	"fmt"
	"strings"
)

// consumesArg is the fixed set of SSH option letters that take a following
// argument (spec §4.4): "b c D e F i L l m O o p R S".
var consumesArg = map[byte]bool{
	'b': true, 'c': true, 'D': true, 'e': true, 'F': true, 'i': true,
	'L': true, 'l': true, 'm': true, 'O': true, 'o': true, 'p': true,
	'R': true, 'S': true,
}

// ErrAmbiguousHost is returned when argument recognition finds zero or more
// than one host candidate. Per spec §4.4, the caller should warn and exec
// ssh with the original, unmodified arguments.
var ErrAmbiguousHost = errors.New("sshwrap: zero or more than one host candidate")

// Options carries everything Wrap needs besides the raw argv.
type Options struct {
	// UID is the local user id, used to compute the default remote port
	// when RemotePortOverride is unset.
	UID int
	// LocalPort is the already-resolved local forwarding target — the
	// bcvi listener's bound port (read from listener_port, or the default
	// formula if that file is absent).
	LocalPort int
	// RemotePortOverride is the --port value, or 0 if the user did not
	// override it (use the default formula on UID instead).
	RemotePortOverride int
	// AuthKey is the current listener auth key, embedded in TERM.
	AuthKey string
	// DefaultPort computes the default remote port for a uid. Injected so
	// this package does not import internal/config (keeps the dependency
	// graph a DAG: config is lower-level plumbing, sshwrap is a CLI mode).
	DefaultPort func(uid int) int
}

// Result is the rewritten SSH invocation.
type Result struct {
	// Args is the full ssh argv to exec: the original arguments, unchanged,
	// behind the prepended -R flag. The host token is not rewritten;
	// user@host appears only in HostAlias and TermConf.
	Args []string
	// HostAlias is the (possibly user@-prefixed) host candidate, used as
	// the <alias> component of TermConf.
	HostAlias string
	// RemotePort is the port passed to -R.
	RemotePort int
	// TermConf is the BCVI_CONF value to pack into TERM before exec.
	TermConf string
}

// Wrap parses args (the SSH command line as the user typed it, without the
// "ssh" program name itself), identifies the single host candidate, and
// returns the rewritten argv plus the TERM payload to pack (spec §4.4).
//
// If zero or more than one host candidate is found, Wrap returns
// ErrAmbiguousHost; the caller should warn on stderr and exec ssh with args
// unchanged (spec §4.4: "emit a warning to the error stream and exec SSH
// with the original arguments unchanged").
func Wrap(args []string, opts Options) (*Result, error) {
	hostIdx, username := parseArgs(args)
	if len(hostIdx) != 1 {
		return nil, fmt.Errorf("%w (found %d)", ErrAmbiguousHost, len(hostIdx))
	}

	host := args[hostIdx[0]]
	if username != "" && !strings.Contains(host, "@") {
		host = username + "@" + host
	}

	remotePort := opts.RemotePortOverride
	if remotePort == 0 {
		remotePort = opts.DefaultPort(opts.UID)
	}

	// The outgoing ssh argv is left otherwise untouched — ssh already knows
	// the username via -l/-lUSER, so there is no need to rewrite its host
	// token. The user@host form is only needed for the host_alias embedded
	// in TERM, so the remote end can namespace paths per spec §4.7.
	newArgs := make([]string, len(args))
	copy(newArgs, args)

	forward := fmt.Sprintf("%d:localhost:%d", remotePort, opts.LocalPort)
	newArgs = append([]string{"-R", forward}, newArgs...)

	return &Result{
		Args:       newArgs,
		HostAlias:  host,
		RemotePort: remotePort,
		TermConf:   fmt.Sprintf("%s:localhost:%d:%s", host, remotePort, opts.AuthKey),
	}, nil
}

// parseArgs walks args recognizing SSH options per spec §4.4 and returns the
// indices of non-option tokens (host candidates) plus any captured -l/-lUSER
// username.
func parseArgs(args []string) (hostIdx []int, username string) {
	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !strings.HasPrefix(tok, "-") || tok == "-" {
			hostIdx = append(hostIdx, i)
			continue
		}

		letter := tok[1]
		if letter == 'l' {
			if len(tok) > 2 {
				username = tok[2:]
			} else if i+1 < len(args) {
				username = args[i+1]
				i++
			}
			continue
		}

		if consumesArg[letter] {
			if len(tok) == 2 && i+1 < len(args) {
				i++ // value is the following, separate token
			}
			// else: value attached to the option token itself (e.g. -p2222)
			continue
		}
		// flag-only option (e.g. -v, -4, -A) — nothing more to skip
	}
	return hostIdx, username
}
