// Command kyomei is the single service binary: it loads configuration,
// wires every configured chain's Syncer/Processor/Cron scheduler
// through internal/service.Runner, and serves until a shutdown signal
// or an unrecoverable error (spec §6/§4.J), following the teacher's
// cmd/indexer/main.go lifecycle.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/kyomei-indexer/kyomei/examples/handlers"
	"github.com/kyomei-indexer/kyomei/internal/config"
	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/internal/obs"
	"github.com/kyomei-indexer/kyomei/internal/service"
)

const serviceName = "kyomei"

// Exit codes per spec §6.
const (
	exitClean            = 0
	exitConfigInvalid    = 1
	exitStoreUnreachable = 2
	exitSourceUnrecover  = 3
)

func main() {
	logger := obs.InitLogger(serviceName)
	logger.Info().Msg("starting kyomei indexer")

	settings, err := config.Load(logger, "config.toml")
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		os.Exit(exitConfigInvalid)
	}
	obs.SetLevel(logger, settings.LogLevel)

	descriptors, err := config.LoadDescriptors(settings.DescriptorsPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load chain/contract/cron descriptors")
		os.Exit(exitConfigInvalid)
	}
	logger.Info().
		Int("chains", len(descriptors.Chains)).
		Int("contracts", len(descriptors.Contracts)).
		Int("factories", len(descriptors.Factories)).
		Int("crons", len(descriptors.Crons)).
		Msg("loaded descriptors")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner, err := service.New(ctx, settings, descriptors, handlers.Register, cronHandlers(), *logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to wire service")
		os.Exit(exitStoreUnreachable)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- runner.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case runErr = <-errChan:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error().Err(runErr).Msg("service stopped with an error")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()
	runner.Close()
	logger.Info().Msg("shutdown complete")

	if runErr == nil || errors.Is(runErr, context.Canceled) {
		os.Exit(exitClean)
	}
	// A storage error (errkind.StoreTransient) that ends the service exits
	// with code 2. Every other error exits with code 3: a live worker's
	// non-transient source error, but also a Processor paused by an
	// integrity violation or by repeated handler failures, or a component
	// that failed to start.
	if errkind.Is(runErr, errkind.StoreTransient) {
		os.Exit(exitStoreUnreachable)
	}
	os.Exit(exitSourceUnrecover)
}

// cronHandlers maps every configured cron job name (config/descriptors.json)
// to the Go function that runs it. The worked example ships no cron jobs
// of its own; a deployment wires its own handlers here the same way it
// wires examples/handlers.Register for events.
func cronHandlers() service.CronHandlers {
	return service.CronHandlers{}
}
