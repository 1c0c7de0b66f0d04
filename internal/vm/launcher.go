// Copyright Ricardo Oliveira 2025.
// SPDX-License-Identifier: MPL-2.0

// Package vm composes and runs the virtualization engine invocation for
// the single ephemeral builder VM.
package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/builder-vm/controller/internal/cmdexec"
	"github.com/builder-vm/controller/internal/config"
	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
	"github.com/builder-vm/controller/internal/logger"
)

// storeOverlayName is the durable copy-on-write store image inside the
// working directory. It survives guest restarts so build outputs persist.
const storeOverlayName = "store.qcow2"

// Launcher builds the engine command line from a VMConfig and blocks on
// the engine for the VM's whole run. The engine is consumed strictly as a
// command-line contract; there is no management API and no restart.
type Launcher struct {
	// Engine overrides the engine binary; defaults per host architecture.
	Engine string
	// ImageTool overrides the disk image tool; defaults to "qemu-img".
	ImageTool string
}

// NewLauncher creates a launcher with default engine binaries.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// Launch runs the VM and blocks until it exits. The returned int is the
// engine's exit status, propagated unchanged; 0 means clean guest
// shutdown. Any failure to compose or start the invocation returns a
// non-nil error with exit code 1.
func (l *Launcher) Launch(ctx context.Context, cfg core.VMConfig, keys core.ImmutablePathRef) (int, error) {
	log := logger.FromContext(ctx)

	args, err := l.composeArgs(ctx, cfg, keys)
	if err != nil {
		return 1, err
	}

	engine := l.engine(cfg)
	log.Info().
		Str("engine", engine).
		Int("hostPort", cfg.HostPort).
		Str("storeMode", string(cfg.StoreMode)).
		Msg("Launching builder VM")

	result, err := cmdexec.Execute(ctx, engine, args, cmdexec.CmdOptions{
		Directory:  cfg.WorkingDirectory,
		OutputMode: cmdexec.OutputModeInherit,
	})
	if err != nil {
		return 1, errors.Wrap(err, errors.CodeLaunch, "starting virtualization engine")
	}
	if result.ExitCode != 0 {
		return result.ExitCode, errors.New(errors.CodeLaunch,
			"virtualization engine exited non-zero").
			WithContext("exitCode", result.ExitCode)
	}

	return 0, nil
}

// composeArgs builds the full engine argument list: resource envelope,
// the single SSH port forward, the read-only keys share, the isolated
// store disk, guest GC thresholds, and certificate passthrough.
func (l *Launcher) composeArgs(ctx context.Context, cfg core.VMConfig, keys core.ImmutablePathRef) ([]string, error) {
	log := logger.FromContext(ctx)

	if cfg.GuestImage == "" {
		return nil, errors.New(errors.CodeInvalidInput, "guest image not configured")
	}
	mode := cfg.StoreMode
	if mode == "" {
		mode = core.StoreSnapshotted
	}
	if !mode.Valid() {
		return nil, errors.New(errors.CodeInvalidInput, "unknown store isolation mode").
			WithContext("mode", string(mode))
	}

	args := []string{
		"-m", fmt.Sprintf("%dM", cfg.MemorySizeMiB),
		"-smp", fmt.Sprintf("%d", runtime.NumCPU()),
		"-nographic",
		"-no-reboot",
	}

	switch runtime.GOOS {
	case "linux":
		args = append(args, "-enable-kvm")
	case "darwin":
		args = append(args, "-accel", "hvf")
	}

	// Guest root is throwaway: boot the system image with snapshot=on so
	// every invocation starts from a pristine guest.
	args = append(args,
		"-drive", fmt.Sprintf("file=%s,if=virtio,snapshot=on", cfg.GuestImage))

	// Exactly one port forward: host SSH port to guest 22.
	forward := core.PortForward{
		Protocol:  "tcp",
		GuestPort: config.GuestSSHPort,
		HostPort:  cfg.HostPort,
	}
	args = append(args,
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=%s::%d-:%d",
			forward.Protocol, forward.HostPort, forward.GuestPort),
		"-device", "virtio-net-pci,netdev=net0")

	// Keys share, read-only: the guest's SSH service reads the authorized
	// public key from here.
	keysShare := core.SharedDirectory{
		HostSourcePath:  keys.Path,
		GuestTargetPath: cfg.KeysMountTarget,
		Tag:             "keys",
		ReadOnly:        true,
	}
	args = append(args, shareArgs(keysShare)...)
	args = append(args,
		"-fw_cfg", "name=opt/keys-target,string="+keysShare.GuestTargetPath)

	// Store disk per isolation mode.
	switch mode {
	case core.StoreSnapshotted:
		overlay, err := l.ensureStoreOverlay(ctx, cfg)
		if err != nil {
			return nil, err
		}
		args = append(args,
			"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", overlay))
	case core.StorePassthrough:
		if cfg.HostStorePath == "" {
			return nil, errors.New(errors.CodeInvalidInput,
				"passthrough mode needs a host store path")
		}
		args = append(args, shareArgs(core.SharedDirectory{
			HostSourcePath: cfg.HostStorePath,
			Tag:            "store",
		})...)
	}

	// GC watermarks for the guest's own storage-pressure management.
	args = append(args,
		"-fw_cfg", fmt.Sprintf("name=opt/gc-min-free,string=%d", cfg.GCMinFreeBytes),
		"-fw_cfg", fmt.Sprintf("name=opt/gc-max-free,string=%d", cfg.GCMaxFreeBytes))

	// Host-trusted root certificates, so artifact fetches behind custom
	// CAs work inside the guest.
	if certFile := resolveCertFile(cfg); certFile != "" {
		args = append(args, shareArgs(core.SharedDirectory{
			HostSourcePath: filepath.Dir(certFile),
			Tag:            "certs",
			ReadOnly:       true,
		})...)
		args = append(args,
			"-fw_cfg", "name=opt/cert-file,string="+filepath.Base(certFile))
	} else {
		log.Warn().Msg("No host CA bundle found, skipping certificate passthrough")
	}

	return args, nil
}

// ensureStoreOverlay creates the copy-on-write store image when absent
// and reuses it otherwise, so build outputs survive guest restarts.
func (l *Launcher) ensureStoreOverlay(ctx context.Context, cfg core.VMConfig) (string, error) {
	overlay := filepath.Join(cfg.WorkingDirectory, storeOverlayName)
	if _, err := os.Stat(overlay); err == nil {
		return overlay, nil
	}

	tool := l.ImageTool
	if tool == "" {
		tool = "qemu-img"
	}

	args := []string{"create", "-f", "qcow2"}
	if cfg.HostStoreImage != "" {
		args = append(args, "-b", cfg.HostStoreImage, "-F", "raw")
	}
	args = append(args, overlay, fmt.Sprintf("%dM", cfg.DiskSizeMiB))

	log := logger.FromContext(ctx)
	log.Info().
		Str("overlay", overlay).
		Str("backing", cfg.HostStoreImage).
		Msg("Creating store overlay image")

	result, err := cmdexec.Execute(ctx, tool, args, cmdexec.CmdOptions{
		OutputMode: cmdexec.OutputModeCapture,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.CodeLaunch, "creating store overlay")
	}
	if result.ExitCode != 0 {
		return "", errors.New(errors.CodeLaunch, "image tool exited non-zero").
			WithContext("exitCode", result.ExitCode).
			WithContext("stderr", string(result.StdErr))
	}

	return overlay, nil
}

// engine picks the engine binary: config override, launcher override, or
// the host-architecture default.
func (l *Launcher) engine(cfg core.VMConfig) string {
	if cfg.Engine != "" {
		return cfg.Engine
	}
	if l.Engine != "" {
		return l.Engine
	}
	if runtime.GOARCH == "arm64" {
		return "qemu-system-aarch64"
	}
	return "qemu-system-x86_64"
}

// shareArgs renders a shared directory as engine arguments.
func shareArgs(share core.SharedDirectory) []string {
	spec := fmt.Sprintf("local,path=%s,mount_tag=%s,security_model=none",
		share.HostSourcePath, share.Tag)
	if share.ReadOnly {
		spec += ",readonly=on"
	}
	return []string{"-virtfs", spec}
}

// resolveCertFile picks the host CA bundle: explicit config, the
// SSL_CERT_FILE environment variable, then the system default. Returns
// empty when none of them exists on disk.
func resolveCertFile(cfg core.VMConfig) string {
	candidates := []string{cfg.CertFile, os.Getenv("SSL_CERT_FILE"), config.DefaultCertFile}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return ""
}
