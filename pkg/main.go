package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	pkg "git.solsynth.dev/hypernet/calling/pkg/internal"
	"git.solsynth.dev/hypernet/calling/pkg/internal/database"
	"git.solsynth.dev/hypernet/calling/pkg/internal/gap"
	"git.solsynth.dev/hypernet/calling/pkg/internal/grpc"
	"git.solsynth.dev/hypernet/calling/pkg/internal/http"
	"git.solsynth.dev/hypernet/calling/pkg/internal/services"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Panic().Err(err).Msg("An error occurred when loading settings.")
	}

	if viper.GetBool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Connect to database
	if err := database.NewSource(); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when connect to database.")
	} else if err := database.RunMigration(database.C); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when running database auto migration.")
	}

	// Connect other services
	if err := gap.Connect(); err != nil {
		log.Error().Err(err).Msg("An error occurred when connecting to redis, call events will not be published...")
	}

	// Signaling
	opts, err := signaling.LoadOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("An error occurred when loading calling settings.")
	}
	hub := signaling.NewHub(services.CallKeeper{}, opts)
	reaper := services.NewReaper(hub, opts.StaleThreshold, opts.IdleTimeout)

	// Server
	server := http.NewServer(hub)
	go server.Listen()

	grpcServer := grpc.NewGrpc(func(ctx context.Context) error {
		if database.C == nil {
			return errors.New("database is not connected")
		}
		db, err := database.C.DB()
		if err != nil {
			return err
		}
		return db.PingContext(ctx)
	})
	go func() {
		if err := grpcServer.Listen(); err != nil {
			log.Fatal().Err(err).Msg("An error occurred when starting grpc server...")
		}
	}()

	// Configure timed tasks
	quartz, err := reaper.Schedule(opts.ReaperSchedule)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", opts.ReaperSchedule).Msg("An error occurred when scheduling the call reaper.")
	}
	quartz.Start()

	// Messages
	log.Info().Msgf("Calling v%s is started...", pkg.AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("Calling v%s is quitting...", pkg.AppVersion)

	<-quartz.Stop().Done()
	hub.Shutdown()
	if err := server.Shutdown(); err != nil {
		log.Error().Err(err).Msg("An error occurred when shutting down server...")
	}
	grpcServer.Stop()
	gap.Disconnect()
}
