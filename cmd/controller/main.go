package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/builder-vm/controller/internal/config"
	"github.com/builder-vm/controller/internal/controller"
	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
	"github.com/builder-vm/controller/internal/logger"
)

func main() {
	logger.Setup(logger.EnvConfig())

	flags := pflag.NewFlagSet("builder-vm", pflag.ContinueOnError)
	workDir := flags.String("work-dir", "", "working directory (default $"+config.WorkDirEnv+" or .)")
	keysDir := flags.String("keys-dir", "", "keys directory override (default {work-dir}/keys)")
	guestImage := flags.String("guest-image", "", "bootable guest system image")
	storeImage := flags.String("store-image", "", "base image backing the snapshotted store overlay")
	storePath := flags.String("store-path", "", "host store directory for passthrough mode")
	storeMode := flags.String("store-mode", string(core.StoreSnapshotted), "store isolation mode: snapshotted-image or passthrough")
	hostPort := flags.Int("port", config.DefaultHostPort, "host port forwarded to guest SSH")
	memory := flags.Int("memory", config.DefaultMemorySizeMiB, "guest memory in MiB")
	diskSize := flags.Int("disk-size", config.DefaultDiskSizeMiB, "store disk size in MiB")
	certFile := flags.String("cert-file", "", "host CA bundle passed into the guest")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		log.Error().Err(err).Msg("Invalid arguments")
		os.Exit(1)
	}

	resolvedWorkDir := config.ResolveWorkDir(*workDir)

	vmCfg := config.DefaultVMConfig(resolvedWorkDir)
	vmCfg.GuestImage = *guestImage
	vmCfg.HostStoreImage = *storeImage
	vmCfg.HostStorePath = *storePath
	vmCfg.StoreMode = core.StoreIsolationMode(*storeMode)
	vmCfg.HostPort = *hostPort
	vmCfg.MemorySizeMiB = *memory
	vmCfg.DiskSizeMiB = *diskSize
	vmCfg.CertFile = *certFile

	ctrl, err := controller.New(controller.Config{
		WorkingDirectory: resolvedWorkDir,
		KeysDir:          *keysDir,
		Credential:       config.DefaultCredential(),
		VM:               vmCfg,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize controller")
		os.Exit(1)
	}

	// Cancellation is external only: a signal kills the engine process
	// through the command context, there is no in-band guest shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info().Msgf("Received signal %v, terminating VM...", sig)
		cancel()
	}()

	code, err := ctrl.Run(ctx)
	if err != nil {
		log.Error().
			Err(err).
			Str("code", string(errors.Code(err))).
			Msg("Invocation failed")
	}
	os.Exit(code)
}
