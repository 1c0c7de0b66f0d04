package keys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
)

// writeSudoStub writes a stand-in for sudo that appends each argument on
// its own line to logPath, terminating every invocation with "--".
func writeSudoStub(t *testing.T, dir, logPath string) string {
	t.Helper()
	stub := filepath.Join(dir, "sudo-stub")
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" >> %q\nprintf -- '--\\n' >> %q\n",
		logPath, logPath)
	require.NoError(t, os.WriteFile(stub, []byte(script), 0o755))
	return stub
}

func readStubCalls(t *testing.T, logPath string) [][]string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var calls [][]string
	var current []string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "--" {
			calls = append(calls, current)
			current = nil
			continue
		}
		current = append(current, line)
	}
	return calls
}

func TestInstallPassesPathsAsArgv(t *testing.T) {
	base := t.TempDir()

	// Spaces in both source and target paths must survive intact.
	keysDir := filepath.Join(base, "work dir", "keys")
	require.NoError(t, os.MkdirAll(keysDir, 0o755))
	privateSrc, publicSrc := PairPaths(keysDir)
	require.NoError(t, os.WriteFile(privateSrc, []byte("private"), 0o600))
	require.NoError(t, os.WriteFile(publicSrc, []byte("public"), 0o644))

	systemDir := filepath.Join(base, "system dir")
	require.NoError(t, os.MkdirAll(systemDir, 0o755))
	credential := core.InstalledCredential{
		PrivateKeyPath: filepath.Join(systemDir, "builder_ed25519"),
		PublicKeyPath:  filepath.Join(systemDir, "builder_ed25519.pub"),
		OwningGroup:    "builders",
	}

	logPath := filepath.Join(base, "calls.log")
	installer := &SudoInstaller{
		Credential: credential,
		SudoPath:   writeSudoStub(t, base, logPath),
	}

	require.NoError(t, installer.Install(context.Background(), keysDir))

	calls := readStubCalls(t, logPath)
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"install", "-g", "builders", "-m", "0600",
		privateSrc, credential.PrivateKeyPath}, calls[0])
	assert.Equal(t, []string{"install", "-g", "builders", "-m", "0644",
		publicSrc, credential.PublicKeyPath}, calls[1])
}

func TestInstallNonZeroExitIsFatal(t *testing.T) {
	base := t.TempDir()
	keysDir := filepath.Join(base, "keys")
	require.NoError(t, os.MkdirAll(keysDir, 0o755))
	privateSrc, publicSrc := PairPaths(keysDir)
	require.NoError(t, os.WriteFile(privateSrc, []byte("private"), 0o600))
	require.NoError(t, os.WriteFile(publicSrc, []byte("public"), 0o644))

	stub := filepath.Join(base, "sudo-declined")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexit 5\n"), 0o755))

	installer := &SudoInstaller{
		Credential: core.InstalledCredential{
			PrivateKeyPath: filepath.Join(base, "installed"),
			PublicKeyPath:  filepath.Join(base, "installed.pub"),
			OwningGroup:    "builders",
		},
		SudoPath: stub,
	}

	err := installer.Install(context.Background(), keysDir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodePrivilegedInstall))
}

func TestInstallMissingSourceIsFatal(t *testing.T) {
	dir := t.TempDir()
	installer := NewSudoInstaller(core.InstalledCredential{
		PrivateKeyPath: filepath.Join(dir, "installed"),
		PublicKeyPath:  filepath.Join(dir, "installed.pub"),
		OwningGroup:    "builders",
	})

	// Empty keys directory: nothing to install, and the stub is never
	// needed because the sources are checked before any escalation.
	err := installer.Install(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodePrivilegedInstall))
}
