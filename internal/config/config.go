// Package config implements the bcvi persisted state described in spec §4.2:
// three flat files — listener_key, listener_port, listener_pid — under
// <home>/.config/bcvi/, plus the default port formula from spec §3/§8.
//
// The on-disk files are the ground truth (spec §3 "Listener state"
// invariant); reads tolerate absence and writes create the directory on
// demand, mirroring the teacher's tunnel.Server.loadOrGenerateHostKey
// read-tolerant / create-on-demand file handling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
)

const (
	dirName    = "bcvi"
	keyFile    = "listener_key"
	portFile   = "listener_port"
	pidFile    = "listener_pid"
	dirPerm    = 0o700
	filePerm   = 0o600
	numBuckets = 65536
)

// DefaultPort implements the port formula from spec §3/§8:
// default_port(u) == (u*10 + 9) mod 65536.
func DefaultPort(uid int) int {
	return ((uid * 10) + 9) % numBuckets
}

// Store is a handle on the per-user bcvi configuration directory.
type Store struct {
	Dir string
}

// New returns a Store rooted at <home>/.config/bcvi. home is the caller's
// home directory (pass os.UserHomeDir()'s result); a separate parameter
// keeps the package testable without touching the real filesystem.
func New(home string) *Store {
	return &Store{Dir: filepath.Join(home, ".config", dirName)}
}

// ReadKey returns the current auth key, or ("", false, nil) if the file is
// absent — spec §4.2 "Reads tolerate missing files and return absent."
func (s *Store) ReadKey() (string, bool, error) {
	return s.readString(keyFile)
}

// WriteKey persists the current auth key.
func (s *Store) WriteKey(key string) error {
	return s.writeString(keyFile, key)
}

// ReadPort returns the bound listener port, or (0, false, nil) if absent.
func (s *Store) ReadPort() (int, bool, error) {
	return s.readInt(portFile)
}

// WritePort persists the bound listener port.
func (s *Store) WritePort(port int) error {
	return s.writeString(portFile, fmt.Sprintf("%d", port))
}

// ReadPID returns the listener's persisted process id, or (0, false, nil) if absent.
func (s *Store) ReadPID() (int, bool, error) {
	return s.readInt(pidFile)
}

// WritePID persists the listener's own process id.
func (s *Store) WritePID(pid int) error {
	return s.writeString(pidFile, fmt.Sprintf("%d", pid))
}

func (s *Store) readString(name string) (string, bool, error) {
	path := filepath.Join(s.Dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("config: read %s: %w", path, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		// An empty file is treated the same as an absent one (spec §3:
		// "stale files are treated as absent").
		return "", false, nil
	}
	return value, true, nil
}

func (s *Store) readInt(name string) (int, bool, error) {
	raw, ok, err := s.readString(name)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		// A corrupt numeric file is stale, not fatal — treat as absent.
		return 0, false, nil
	}
	return n, true, nil
}

// writeString creates the config directory on demand and writes value to
// name, truncating any existing content. The write is atomic from the
// caller's perspective: content lands in a temp file in the same directory
// first, then is renamed into place, so a crash mid-write never leaves a
// half-written listener_key/_port/_pid behind (spec §4.2: "a crash mid-write
// is recoverable by restarting the listener").
func (s *Store) writeString(name, value string) error {
	if err := os.MkdirAll(s.Dir, dirPerm); err != nil {
		return fmt.Errorf("config: create dir %s: %w", s.Dir, err)
	}

	final := filepath.Join(s.Dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), filePerm); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("config: rename %s -> %s: %w", tmp, final, err)
	}
	return nil
}
