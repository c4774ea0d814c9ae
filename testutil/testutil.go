// Package testutil provides shared helpers for filehaven tests.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

// Secrets long enough to pass config validation.
const (
	ContentSecret = "test-content-secret-0123456789"
	TokenSecret   = "test-token-secret-0123456789abcdef"
)

// TempFile writes content to dir/name and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// ConfigFile writes a YAML config into a fresh temp dir and returns its path.
func ConfigFile(t *testing.T, content string) string {
	t.Helper()
	return TempFile(t, t.TempDir(), "filehaven.yaml", content)
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}
