// Package aliasinstall edits a shell rc file to add (or replace) the bcvi
// alias block (spec §6 "Shell-alias block"). Copying the bcvi binary to a
// remote host and invoking the remote shell are out of scope (spec §1):
// those are opaque external processes (scp, ssh) this package never
// constructs itself — see cmd/bcvi for --install's orchestration of them.
package aliasinstall

import (
	"fmt"
	"os"
	"strings"
)

// StartMarker and EndMarker delimit the managed block exactly (spec §6: "An
// existing block is replaced in place; absence is appended").
const (
	StartMarker = "## START-BCVI"
	EndMarker   = "## END-BCVI"
)

// Block renders the alias block body for binaryPath: aliases that install
// bcvi as vi, a sudoedit wrapper, and scp-to-desktop, each guarded by
// presence of BCVI_CONF (spec §6).
func Block(binaryPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", StartMarker)
	fmt.Fprintf(&b, "if [ -n \"$BCVI_CONF\" ]; then\n")
	fmt.Fprintf(&b, "\talias vi=%q\n", binaryPath)
	fmt.Fprintf(&b, "\talias sudoedit=%q\n", binaryPath+" --command viwait")
	fmt.Fprintf(&b, "\talias scp=%q\n", binaryPath+" --command scpd")
	fmt.Fprintf(&b, "fi\n")
	fmt.Fprintf(&b, "%s\n", EndMarker)
	return b.String()
}

// Apply returns the contents of rcFile with the bcvi alias block inserted:
// an existing START-BCVI/END-BCVI block (inclusive) is replaced in place;
// otherwise the block is appended with a separating blank line (spec §6,
// §8 "Alias block replace" — applying this twice must be a no-op on the
// second application).
func Apply(rcFile, binaryPath string) string {
	block := Block(binaryPath)
	lines := strings.Split(rcFile, "\n")

	startIdx, endIdx := -1, -1
	for i, l := range lines {
		if strings.TrimSpace(l) == StartMarker {
			startIdx = i
		}
		if strings.TrimSpace(l) == EndMarker && startIdx != -1 {
			endIdx = i
			break
		}
	}

	if startIdx != -1 && endIdx != -1 {
		before := strings.Join(lines[:startIdx], "\n")
		after := strings.Join(lines[endIdx+1:], "\n")
		var out strings.Builder
		if before != "" {
			out.WriteString(before)
			out.WriteString("\n")
		}
		out.WriteString(block)
		if after != "" {
			out.WriteString(after)
		}
		return out.String()
	}

	trimmed := strings.TrimRight(rcFile, "\n")
	if trimmed == "" {
		return block
	}
	return trimmed + "\n\n" + block
}

// ApplyToFile reads path (treating a missing file as empty), applies the
// alias block, and writes the result back atomically (write-temp-then-
// rename, mirroring internal/config.Store.writeString).
func ApplyToFile(path, binaryPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("aliasinstall: read %s: %w", path, err)
		}
		data = nil
	}

	updated := Apply(string(data), binaryPath)

	tmp := path + ".bcvi-tmp"
	if err := os.WriteFile(tmp, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("aliasinstall: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("aliasinstall: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
