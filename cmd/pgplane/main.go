package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/cmd/pgplane/commands"
	"github.com/pgplane/pgplane/pkg/apperrors"

	// Infrastructure backends register themselves on import.
	_ "github.com/pgplane/pgplane/pkg/iaas/libvirt"
	_ "github.com/pgplane/pgplane/pkg/iaas/vsphere"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		// Known errors are operational conditions: report them
		// concisely and exit with their dedicated code so scripts can
		// tell them apart from a crash.
		var known *apperrors.KnownError
		if errors.As(err, &known) {
			log.Error().Msg(known.Error())
			os.Exit(known.ExitCode)
		}
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}
