// Copyright Ricardo Oliveira 2025.
// SPDX-License-Identifier: MPL-2.0

// Package controller sequences credential provisioning, content-addressed
// registration, and the VM launch into the single user-facing operation.
package controller

import (
	"context"
	"os"
	"path/filepath"

	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
	"github.com/builder-vm/controller/internal/keys"
	"github.com/builder-vm/controller/internal/logger"
	"github.com/builder-vm/controller/internal/store"
	"github.com/builder-vm/controller/internal/vm"
)

// CredentialEnsurer ensures a keypair exists and matches the installed
// credential.
type CredentialEnsurer interface {
	Ensure(ctx context.Context, keysDir string) (core.Keypair, error)
}

// DirectoryRegistrar registers a directory into the immutable store.
type DirectoryRegistrar interface {
	Register(dir string) (core.ImmutablePathRef, error)
}

// GuestLauncher runs the VM, blocking for its lifetime.
type GuestLauncher interface {
	Launch(ctx context.Context, cfg core.VMConfig, keys core.ImmutablePathRef) (int, error)
}

// Config holds everything the orchestration needs; all fixed paths are
// injected here rather than read from ambient globals.
type Config struct {
	// WorkingDirectory anchors the keys directory, the store root, and
	// the durable store overlay.
	WorkingDirectory string
	// KeysDir overrides the default {WorkingDirectory}/keys location.
	KeysDir string
	// StoreRoot overrides the default {WorkingDirectory}/store location.
	StoreRoot string
	// Credential is the system credential location.
	Credential core.InstalledCredential
	// VM is the resource envelope of the single instance.
	VM core.VMConfig
}

// Controller is a thin composition of the three steps. Each step's
// failure aborts the sequence; nothing is retried. Concurrent invocations
// against the same working directory are not supported.
type Controller struct {
	Config      Config
	Provisioner CredentialEnsurer
	Registrar   DirectoryRegistrar
	Launcher    GuestLauncher
}

// New wires a controller with the production provisioner, store, and
// launcher.
func New(cfg Config) (*Controller, error) {
	storeRoot := cfg.StoreRoot
	if storeRoot == "" {
		storeRoot = filepath.Join(cfg.WorkingDirectory, "store")
	}
	contentStore, err := store.NewStore(storeRoot)
	if err != nil {
		return nil, err
	}

	return &Controller{
		Config:      cfg,
		Provisioner: keys.NewProvisioner(cfg.Credential, keys.NewSudoInstaller(cfg.Credential)),
		Registrar:   contentStore,
		Launcher:    vm.NewLauncher(),
	}, nil
}

// KeysDir resolves the keys directory for the configured working
// directory.
func (c *Controller) KeysDir() string {
	if c.Config.KeysDir != "" {
		return c.Config.KeysDir
	}
	return filepath.Join(c.Config.WorkingDirectory, "keys")
}

// Run executes the whole sequence and returns the process exit code: the
// VM's own exit status once the launch step is reached, 1 for any failure
// before it.
func (c *Controller) Run(ctx context.Context) (int, error) {
	ctx, runLog := logger.WithField(ctx, "workDir", c.Config.WorkingDirectory)

	keysDir := c.KeysDir()
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		return 1, errors.Wrap(err, errors.CodeKeyGeneration, "creating keys directory")
	}

	runLog.Info().Str("step", "provision").Msg("Ensuring host-identity keypair")
	if _, err := c.Provisioner.Ensure(ctx, keysDir); err != nil {
		return 1, err
	}

	runLog.Info().Str("step", "register").Msg("Registering keys directory")
	ref, err := c.Registrar.Register(keysDir)
	if err != nil {
		return 1, err
	}
	runLog.Debug().Str("ref", ref.Path).Msg("Keys directory registered")

	runLog.Info().Str("step", "launch").Msg("Starting builder VM")
	return c.Launcher.Launch(ctx, c.Config.VM, ref)
}
