// Package config provides standard configurations and defaults
package config

import (
	"os"
	"path/filepath"

	"github.com/builder-vm/controller/internal/core"
)

// Defaults for the single ephemeral builder VM. Sized so a delegated build
// has a usable store and the guest can garbage-collect itself between the
// min-free and max-free watermarks without host intervention.
const (
	// DefaultHostPort is the host side of the single SSH forward.
	DefaultHostPort = 31022
	// GuestSSHPort is the guest side of the forward.
	GuestSSHPort = 22

	DefaultDiskSizeMiB    = 20 * 1024
	DefaultMemorySizeMiB  = 3 * 1024
	DefaultGCMinFreeBytes = 1 << 30
	DefaultGCMaxFreeBytes = 3 << 30

	// DefaultKeysMountTarget is where the guest's SSH service looks for
	// the authorized public key.
	DefaultKeysMountTarget = "/var/keys"

	// KeyIdentity names the keypair files: {identity}_{algorithm} and
	// {identity}_{algorithm}.pub.
	KeyIdentity = "builder"

	// KeyComment identifies the keypair's purpose in the public key line.
	KeyComment = "builder@controller"

	// System credential location. Written only by the privileged
	// installer, owned by the build-privileged group.
	DefaultSystemKeyDir = "/etc/builder"
	DefaultOwningGroup  = "builders"

	// DefaultCertFile is the system CA bundle passed into the guest when
	// SSL_CERT_FILE is not set.
	DefaultCertFile = "/etc/ssl/certs/ca-certificates.crt"

	// WorkDirEnv overrides the working directory when no flag is given.
	WorkDirEnv = "BUILDER_WORK_DIR"
)

// KeyBaseName is the file name of the private key half; the public half
// appends ".pub".
func KeyBaseName() string {
	return KeyIdentity + "_" + core.KeyAlgorithm
}

// DefaultVMConfig returns the default resource envelope for a working
// directory.
func DefaultVMConfig(workDir string) core.VMConfig {
	return core.VMConfig{
		DiskSizeMiB:      DefaultDiskSizeMiB,
		MemorySizeMiB:    DefaultMemorySizeMiB,
		GCMinFreeBytes:   DefaultGCMinFreeBytes,
		GCMaxFreeBytes:   DefaultGCMaxFreeBytes,
		HostPort:         DefaultHostPort,
		WorkingDirectory: workDir,
		KeysMountTarget:  DefaultKeysMountTarget,
		StoreMode:        core.StoreSnapshotted,
	}
}

// DefaultCredential returns the fixed system credential location.
func DefaultCredential() core.InstalledCredential {
	base := KeyBaseName()
	return core.InstalledCredential{
		PrivateKeyPath: filepath.Join(DefaultSystemKeyDir, base),
		PublicKeyPath:  filepath.Join(DefaultSystemKeyDir, base+".pub"),
		OwningGroup:    DefaultOwningGroup,
	}
}

// ResolveWorkDir picks the working directory from the explicit override,
// the environment, or the current directory, in that order.
func ResolveWorkDir(override string) string {
	if override != "" {
		return override
	}
	if dir := os.Getenv(WorkDirEnv); dir != "" {
		return dir
	}
	return "."
}
