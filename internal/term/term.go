// Package term implements the TERM overloading bootstrap described in spec
// §4.3: since SSH propagates TERM verbatim but offers no other way to inject
// new environment variables into a freshly-started remote session, bcvi
// appends a BCVI_CONF line to TERM before spawning ssh, then unpacks it back
// out of TERM at remote login.
//
// This is a fragile, intentional side-channel (spec §9): byte-exact
// round-tripping matters because existing deployed remote shell scripts
// depend on it.
package term

import (
	"fmt"
	"regexp"
	"strings"
)

// crlf matches CR?LF so Unpack tolerates either line ending SSH might use
// when relaying TERM across platforms.
var crlf = regexp.MustCompile(`\r?\n`)

// nameValue matches a NAME=VALUE line; NAME must look like a shell
// identifier so malformed lines are silently skipped rather than eval'd.
var nameValue = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// Pack embeds conf into term for propagation across an SSH hop (spec §4.3
// "Packing"). conf is typically a BCVI_CONF value of the form
// "alias:gateway:port:auth_key"; neither term nor conf may contain LF.
func Pack(term, conf string) string {
	return fmt.Sprintf("%s\nBCVI_CONF=%s", term, conf)
}

// Unpack splits packedTerm on CR?LF and returns shell code, suitable for
// `eval`, that re-exports every subsequent NAME=VALUE line (spec §4.3
// "Unpacking"). The first line is always the real terminal type; it is
// emitted as a plain "TERM=<type>" assignment (not exported) ahead of the
// exported extras, so evaluating the output restores TERM to the real
// terminal type.
//
// If packedTerm has no embedded lines (no SSH hop, or a plain terminal
// type), Unpack returns "".
func Unpack(packedTerm string) string {
	lines := crlf.Split(packedTerm, -1)
	if len(lines) <= 1 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "TERM=%s\n", lines[0])
	for _, line := range lines[1:] {
		m := nameValue.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fmt.Fprintf(&b, "export %s=%q\n", m[1], m[2])
	}
	return b.String()
}
