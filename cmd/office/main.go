package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/DeskCall/internal/adapters/console"
	"github.com/dkeye/DeskCall/internal/adapters/rtc"
	"github.com/dkeye/DeskCall/internal/adapters/wsclient"
	"github.com/dkeye/DeskCall/internal/app/call"
	"github.com/dkeye/DeskCall/internal/app/desk"
	"github.com/dkeye/DeskCall/internal/app/orch"
	"github.com/dkeye/DeskCall/internal/config"
	"github.com/dkeye/DeskCall/internal/domain"
)

func setLevel(name string) {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadWatched(os.Args[1:], func(next *config.Config) { setLevel(next.LogLevel) })
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLevel(cfg.LogLevel)
	if cfg.ActorID == "" {
		log.Fatal().Msg("actor id is required (--actor or OFFICE_ACTOR_ID)")
	}

	clk := clock.New()
	media, err := rtc.NewFactory(cfg.ICEServers, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	client, err := wsclient.Dial(ctx, cfg.RelayURL, wsclient.Options{
		Actor:       domain.PeerID(cfg.ActorID),
		DisplayName: cfg.DisplayName,
		SendTimeout: cfg.SendTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.RelayURL).Msg("relay connect")
	}

	calls := call.New(domain.PeerID(cfg.ActorID), media, client, clk, call.Config{
		NoAnswerTimeout: cfg.NoAnswerTimeout,
		WarnInterval:    cfg.WarnInterval,
	})
	desks := desk.New(client, client, media, clk, desk.Config{WarnInterval: cfg.WarnInterval})
	o := orch.New(calls, desks, clk, cfg.WarnInterval)

	calls.Subscribe(func(next, prev domain.CallState) {
		log.Info().Str("module", "office").Str("from", string(prev)).Str("to", string(next)).Msg("call state")
	})

	// the relay link outlives ctx so shutdown hangups still go out
	go func() {
		if err := client.Run(context.Background(), o); err != nil {
			log.Error().Err(err).Msg("relay connection lost")
		}
		cancel()
	}()

	if err := console.New(o, client, os.Stdout).Run(ctx, os.Stdin); err != nil {
		log.Error().Err(err).Msg("console")
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	o.Shutdown(shutdownCtx)
	client.Close()
	log.Info().Msg("Office exited")
}
