package main

import (
	"os"
	"testing"

	"github.com/tadhunt/bcvi/internal/handlers"
)

func TestEditorLauncher_GUIEditorUsesExecLauncher(t *testing.T) {
	os.Unsetenv("BCVI_EDITOR_TTY")
	l := editorLauncher("gvim")
	if _, ok := l.(*handlers.ExecLauncher); !ok {
		t.Fatalf("editorLauncher(gvim) = %T, want *handlers.ExecLauncher", l)
	}
}

func TestEditorLauncher_TerminalEditorUsesPtyLauncher(t *testing.T) {
	os.Unsetenv("BCVI_EDITOR_TTY")
	l := editorLauncher("/usr/bin/vim")
	if _, ok := l.(*handlers.PtyLauncher); !ok {
		t.Fatalf("editorLauncher(vim) = %T, want *handlers.PtyLauncher", l)
	}
}

func TestEditorLauncher_EnvOverrideForcesExecLauncher(t *testing.T) {
	os.Setenv("BCVI_EDITOR_TTY", "0")
	defer os.Unsetenv("BCVI_EDITOR_TTY")
	l := editorLauncher("vim")
	if _, ok := l.(*handlers.ExecLauncher); !ok {
		t.Fatalf("editorLauncher(vim) with override = %T, want *handlers.ExecLauncher", l)
	}
}

func TestEditorLauncher_EnvOverrideForcesPtyLauncher(t *testing.T) {
	os.Setenv("BCVI_EDITOR_TTY", "1")
	defer os.Unsetenv("BCVI_EDITOR_TTY")
	l := editorLauncher("gvim")
	if _, ok := l.(*handlers.PtyLauncher); !ok {
		t.Fatalf("editorLauncher(gvim) with override = %T, want *handlers.PtyLauncher", l)
	}
}

func TestLoadPlugins_NoPluginsDirIsNoop(t *testing.T) {
	r := handlers.NewRegistry()
	loadPlugins(t.TempDir(), r)
	if len(r.Names()) != 0 {
		t.Fatalf("Names = %v, want none", r.Names())
	}
}
