package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgemsgr/internal/config"
	"github.com/danmuck/edgemsgr/internal/daemon"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/edgemsgrd/config.toml", "daemon config path")
	initKind := flag.String("init", "", "write a config template (daemon|policy) to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing file with -init")
	flag.Parse()

	observability.InitLogger("edgemsgrd")

	if *initKind != "" {
		if err := config.WriteTemplate(*configPath, *initKind, *force); err != nil {
			log.Fatal().Err(err).Msg("failed to write config template")
		}
		log.Info().Str("kind", *initKind).Str("path", *configPath).Msg("wrote config template")
		return
	}

	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load daemon config")
	}
	log.Info().Str("path", *configPath).Str("name", cfg.Name.String()).Msg("loaded daemon config")

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build daemon")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("daemon stopped")
	}
}
