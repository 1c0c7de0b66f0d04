package keys

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/builder-vm/controller/internal/config"
	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
)

// fakeInstaller records invocations and optionally mirrors the real
// installer by copying the pair into the credential location.
type fakeInstaller struct {
	credential core.InstalledCredential
	mirror     bool
	calls      int
	err        error
}

func (f *fakeInstaller) Install(_ context.Context, keysDir string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if !f.mirror {
		return nil
	}
	privateSrc, publicSrc := PairPaths(keysDir)
	for _, pair := range [][2]string{
		{privateSrc, f.credential.PrivateKeyPath},
		{publicSrc, f.credential.PublicKeyPath},
	} {
		data, err := os.ReadFile(pair[0])
		if err != nil {
			return err
		}
		if err := os.WriteFile(pair[1], data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func testCredential(t *testing.T) core.InstalledCredential {
	t.Helper()
	dir := t.TempDir()
	base := config.KeyBaseName()
	return core.InstalledCredential{
		PrivateKeyPath: filepath.Join(dir, base),
		PublicKeyPath:  filepath.Join(dir, base+".pub"),
		OwningGroup:    "builders",
	}
}

func TestEnsureGeneratesKeypair(t *testing.T) {
	credential := testCredential(t)
	installer := &fakeInstaller{credential: credential, mirror: true}
	provisioner := NewProvisioner(credential, installer)

	keysDir := filepath.Join(t.TempDir(), "keys")
	pair, err := provisioner.Ensure(context.Background(), keysDir)
	require.NoError(t, err)

	assert.Equal(t, core.KeyAlgorithm, pair.Algorithm)

	privateInfo, err := os.Stat(pair.PrivateKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), privateInfo.Mode().Perm())

	publicInfo, err := os.Stat(pair.PublicKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), publicInfo.Mode().Perm())

	publicBytes, err := os.ReadFile(pair.PublicKeyPath)
	require.NoError(t, err)
	publicKey, comment, _, _, err := ssh.ParseAuthorizedKey(publicBytes)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", publicKey.Type())
	assert.Equal(t, config.KeyComment, comment)

	// No credential was installed yet, so exactly one privileged action.
	assert.Equal(t, 1, installer.calls)
}

func TestEnsureIdempotentWhenMatching(t *testing.T) {
	credential := testCredential(t)
	installer := &fakeInstaller{credential: credential, mirror: true}
	provisioner := NewProvisioner(credential, installer)

	keysDir := filepath.Join(t.TempDir(), "keys")
	pair, err := provisioner.Ensure(context.Background(), keysDir)
	require.NoError(t, err)
	require.Equal(t, 1, installer.calls)

	before, err := os.ReadFile(pair.PublicKeyPath)
	require.NoError(t, err)

	// Second run observes a present, matching pair: zero writes, zero
	// privileged actions.
	_, err = provisioner.Ensure(context.Background(), keysDir)
	require.NoError(t, err)
	assert.Equal(t, 1, installer.calls)

	after, err := os.ReadFile(pair.PublicKeyPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnsureDriftReinstalls(t *testing.T) {
	credential := testCredential(t)
	installer := &fakeInstaller{credential: credential, mirror: true}
	provisioner := NewProvisioner(credential, installer)

	keysDir := filepath.Join(t.TempDir(), "keys")
	pair, err := provisioner.Ensure(context.Background(), keysDir)
	require.NoError(t, err)
	require.Equal(t, 1, installer.calls)

	// Simulate a stale installed credential from an earlier keypair.
	require.NoError(t, os.WriteFile(credential.PublicKeyPath,
		[]byte("ssh-ed25519 AAAA stale@elsewhere\n"), 0o644))

	_, err = provisioner.Ensure(context.Background(), keysDir)
	require.NoError(t, err)
	assert.Equal(t, 2, installer.calls)

	// After the reinstall a re-check shows matched keys.
	generated, err := os.ReadFile(pair.PublicKeyPath)
	require.NoError(t, err)
	installed, err := os.ReadFile(credential.PublicKeyPath)
	require.NoError(t, err)
	assert.Equal(t, generated, installed)
}

func TestEnsureCorruptPairRegenerated(t *testing.T) {
	credential := testCredential(t)
	installer := &fakeInstaller{credential: credential, mirror: true}
	provisioner := NewProvisioner(credential, installer)

	keysDir := t.TempDir()
	privatePath, publicPath := PairPaths(keysDir)

	// Only the private half present: the pair is corrupt.
	require.NoError(t, os.WriteFile(privatePath, []byte("stray"), 0o600))

	pair, err := provisioner.Ensure(context.Background(), keysDir)
	require.NoError(t, err)

	privateBytes, err := os.ReadFile(pair.PrivateKeyPath)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("stray"), privateBytes)
	assert.FileExists(t, publicPath)
}

func TestEnsureUnreadableInstalledTreatedAsDrift(t *testing.T) {
	credential := testCredential(t)
	// A directory at the installed public key path makes the read fail
	// with something other than not-exist.
	require.NoError(t, os.MkdirAll(credential.PublicKeyPath, 0o755))

	installer := &fakeInstaller{credential: credential}
	provisioner := NewProvisioner(credential, installer)

	_, err := provisioner.Ensure(context.Background(), filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)
	assert.Equal(t, 1, installer.calls)
}

func TestEnsureInstallerFailureIsFatal(t *testing.T) {
	credential := testCredential(t)
	installer := &fakeInstaller{
		credential: credential,
		err:        errors.New(errors.CodePrivilegedInstall, "prompt declined"),
	}
	provisioner := NewProvisioner(credential, installer)

	_, err := provisioner.Ensure(context.Background(), filepath.Join(t.TempDir(), "keys"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodePrivilegedInstall))
}
