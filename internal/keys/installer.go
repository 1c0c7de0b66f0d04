// Copyright Ricardo Oliveira 2025.
// SPDX-License-Identifier: MPL-2.0

package keys

import (
	"context"
	"os"

	"github.com/builder-vm/controller/internal/cmdexec"
	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
	"github.com/builder-vm/controller/internal/logger"
)

// SudoInstaller copies the keypair into the system credential location
// under sudo. The escalated commands are exactly two copies with fixed
// modes and group, nothing else: short enough to read in the privilege
// prompt before approving them. Paths are passed as argv, never through
// a shell, so no path content is ever interpreted in the escalated
// context.
type SudoInstaller struct {
	// Credential is the target system location.
	Credential core.InstalledCredential
	// SudoPath overrides the sudo binary; defaults to "sudo".
	SudoPath string
}

// NewSudoInstaller creates an installer targeting the given system
// credential location.
func NewSudoInstaller(credential core.InstalledCredential) *SudoInstaller {
	return &SudoInstaller{Credential: credential}
}

// Install copies the private key (mode 0600) and public key (mode 0644)
// from keysDir into the system location, both owned by the build group.
// It is idempotent; any failure is fatal.
func (s *SudoInstaller) Install(ctx context.Context, keysDir string) error {
	privateSrc, publicSrc := PairPaths(keysDir)

	for _, src := range []string{privateSrc, publicSrc} {
		if _, err := os.Stat(src); err != nil {
			return errors.Wrap(err, errors.CodePrivilegedInstall,
				"missing source key file")
		}
	}

	copies := [][]string{
		{"install", "-g", s.Credential.OwningGroup, "-m", "0600",
			privateSrc, s.Credential.PrivateKeyPath},
		{"install", "-g", s.Credential.OwningGroup, "-m", "0644",
			publicSrc, s.Credential.PublicKeyPath},
	}

	sudo := s.SudoPath
	if sudo == "" {
		sudo = "sudo"
	}

	log := logger.FromContext(ctx)
	for _, args := range copies {
		log.Info().
			Strs("args", args).
			Msg("Installing system credential (privilege escalation)")

		result, err := cmdexec.Execute(ctx, sudo, args,
			cmdexec.CmdOptions{OutputMode: cmdexec.OutputModeCapture})
		if err != nil {
			return errors.Wrap(err, errors.CodePrivilegedInstall,
				"running privileged install")
		}
		if result.ExitCode != 0 {
			return errors.New(errors.CodePrivilegedInstall,
				"privileged install exited non-zero").
				WithContext("exitCode", result.ExitCode).
				WithContext("stderr", string(result.StdErr))
		}
	}

	return nil
}
