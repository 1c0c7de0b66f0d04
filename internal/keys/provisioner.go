// Copyright Ricardo Oliveira 2025.
// SPDX-License-Identifier: MPL-2.0

// Package keys manages the host-identity keypair and its installation into
// the system credential location.
package keys

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/builder-vm/controller/internal/config"
	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
	"github.com/builder-vm/controller/internal/logger"
)

// pairState is the provisioner's view of the keys directory. The state
// machine is Absent -> Present -> Ready; a partial pair collapses to
// Absent after the stray half is removed.
type pairState int

const (
	pairAbsent pairState = iota
	pairPresent
)

// PrivilegedAction is the single privilege-crossing operation of the
// whole controller: copy the keypair into the system credential location.
// Keeping it down to one narrow method keeps the escalation auditable.
type PrivilegedAction interface {
	Install(ctx context.Context, keysDir string) error
}

// Provisioner idempotently ensures a host-identity keypair exists and
// matches the installed system credential, escalating privilege only on
// observed drift.
type Provisioner struct {
	// Credential is the system credential location the generated public
	// key is compared against.
	Credential core.InstalledCredential
	// Installer performs the privileged copy on drift.
	Installer PrivilegedAction
	// Comment is embedded in generated keys; defaults to the fixed
	// purpose comment.
	Comment string
}

// NewProvisioner creates a provisioner for the given system credential
// location.
func NewProvisioner(credential core.InstalledCredential, installer PrivilegedAction) *Provisioner {
	return &Provisioner{
		Credential: credential,
		Installer:  installer,
		Comment:    config.KeyComment,
	}
}

// PairPaths returns the keypair file paths for a keys directory.
func PairPaths(keysDir string) (privatePath, publicPath string) {
	base := config.KeyBaseName()
	return filepath.Join(keysDir, base), filepath.Join(keysDir, base+".pub")
}

// Ensure makes the keys directory hold a valid keypair whose public half
// matches the installed credential. The privileged installer runs at most
// once, and only when the installed credential is missing, unreadable, or
// different from the generated public key.
func (p *Provisioner) Ensure(ctx context.Context, keysDir string) (core.Keypair, error) {
	log := logger.FromContext(ctx).With().Str("keysDir", keysDir).Logger()

	privatePath, publicPath := PairPaths(keysDir)
	pair := core.Keypair{
		PrivateKeyPath: privatePath,
		PublicKeyPath:  publicPath,
		Algorithm:      core.KeyAlgorithm,
		Comment:        p.Comment,
	}

	state, err := p.observe(pair)
	if err != nil {
		return core.Keypair{}, err
	}

	if state == pairAbsent {
		log.Info().Msg("Generating host-identity keypair")
		if err := p.generate(pair); err != nil {
			return core.Keypair{}, err
		}
	}

	// Present: compare the public key byte-for-byte against the installed
	// credential.
	publicKey, err := os.ReadFile(pair.PublicKeyPath)
	if err != nil {
		return core.Keypair{}, errors.Wrap(err, errors.CodeKeyGeneration,
			"reading generated public key")
	}

	installed, readErr := os.ReadFile(p.Credential.PublicKeyPath)
	if readErr == nil && bytes.Equal(publicKey, installed) {
		log.Debug().Msg("Installed credential matches, no privileged action needed")
		return pair, nil
	}

	// Drift. An unreadable installed credential is treated the same as a
	// mismatch, but logged distinctly so privilege prompts can be audited.
	if readErr != nil {
		if os.IsNotExist(readErr) {
			log.Info().Str("path", p.Credential.PublicKeyPath).
				Msg("No installed credential, installing keypair")
		} else {
			log.Warn().Err(readErr).
				Str("path", p.Credential.PublicKeyPath).
				Str("code", string(errors.CodeDriftDetection)).
				Msg("Installed credential unreadable, treating as drift")
		}
	} else {
		log.Info().Str("path", p.Credential.PublicKeyPath).
			Msg("Installed credential differs, reinstalling keypair")
	}

	if err := p.Installer.Install(ctx, keysDir); err != nil {
		return core.Keypair{}, err
	}

	return pair, nil
}

// observe classifies the pair on disk. A partial pair is corrupt: the
// stray half is deleted and the state collapses to Absent so the pair is
// regenerated wholesale.
func (p *Provisioner) observe(pair core.Keypair) (pairState, error) {
	havePrivate := fileExists(pair.PrivateKeyPath)
	havePublic := fileExists(pair.PublicKeyPath)

	switch {
	case havePrivate && havePublic:
		return pairPresent, nil
	case !havePrivate && !havePublic:
		return pairAbsent, nil
	}

	stray := pair.PrivateKeyPath
	if havePublic {
		stray = pair.PublicKeyPath
	}
	if err := os.Remove(stray); err != nil {
		return pairAbsent, errors.Wrap(err, errors.CodeKeyGeneration,
			"removing stray key half")
	}
	return pairAbsent, nil
}

// generate writes a fresh ed25519 keypair with an empty passphrase:
// private half 0600, public half 0644 in authorized_keys format with the
// purpose comment.
func (p *Provisioner) generate(pair core.Keypair) error {
	if err := os.MkdirAll(filepath.Dir(pair.PrivateKeyPath), 0o755); err != nil {
		return errors.Wrap(err, errors.CodeKeyGeneration, "creating keys directory")
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, errors.CodeKeyGeneration, "generating ed25519 key")
	}

	block, err := ssh.MarshalPrivateKey(privateKey, p.Comment)
	if err != nil {
		return errors.Wrap(err, errors.CodeKeyGeneration, "marshalling private key")
	}
	if err := os.WriteFile(pair.PrivateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return errors.Wrap(err, errors.CodeKeyGeneration, "writing private key")
	}

	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return errors.Wrap(err, errors.CodeKeyGeneration, "encoding public key")
	}
	line := bytes.TrimRight(ssh.MarshalAuthorizedKey(sshPublicKey), "\n")
	line = append(line, ' ')
	line = append(line, p.Comment...)
	line = append(line, '\n')
	if err := os.WriteFile(pair.PublicKeyPath, line, 0o644); err != nil {
		return errors.Wrap(err, errors.CodeKeyGeneration, "writing public key")
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
