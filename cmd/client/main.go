package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/VoiceClient/internal/adapters/http"
	"github.com/dkeye/VoiceClient/internal/adapters/rtc"
	sig "github.com/dkeye/VoiceClient/internal/adapters/signal"
	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/app/orch"
	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/domain"
)

func setLogLevel(mode string) {
	if mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := pflag.String("config", "", "config file (overrides CONFIG_FILE and CONFIG_ENV)")
	room := pflag.String("room", "", "room to join on start")
	user := pflag.String("user", "", "user id (a guest id when empty)")
	pflag.Parse()

	var current atomic.Pointer[orch.Session]
	cfg, err := config.LoadAndWatch(*configPath, func(next *config.Config) {
		setLogLevel(next.Mode)
		if s := current.Load(); s != nil {
			s.SetSpeakingThreshold(next.SpeakingThreshold)
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.Mode)
	if *room != "" {
		cfg.RoomID = *room
	}
	if *user != "" {
		cfg.UserID = *user
	}
	if cfg.UserID == "" {
		cfg.UserID = string(domain.NewGuestUserID())
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	client, err := sig.Dial(dialCtx, sig.Options{
		URL:         cfg.SignalURL,
		InsecureTLS: cfg.InsecureTLS,
		PingPeriod:  cfg.PingPeriod,
		ReadLimit:   cfg.ReadLimit,
	})
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.SignalURL).Msg("signaling connect failed")
	}

	neg := app.NewNegotiator(client, rtc.Factory(rtc.ICEServers(cfg.ICEServers)), cfg.RequestTimeout)
	mic := rtc.NewOggMicrophone(cfg.MicrophonePath, cfg.MicrophoneLoop)
	session := orch.NewSession(neg, client, mic, orch.Options{
		MeterInterval:     cfg.MeterInterval,
		SpeakingThreshold: cfg.SpeakingThreshold,
	})
	current.Store(session)

	player := rtc.NewPlayer(rtc.OggFiles(cfg.OutputDir))
	var speaking atomic.Bool
	unwatch := session.Watch(func(v orch.View) {
		player.SetMuted(v.Muted)
		player.Sync(v.Entries)
		if speaking.Swap(v.Speaking) != v.Speaking {
			log.Debug().Str("module", "main").Bool("speaking", v.Speaking).Msg("voice activity")
		}
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, session),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Voice client panel started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if cfg.RoomID == "" {
			return nil
		}
		if err := session.Start(gctx, cfg.RoomID, cfg.UserID); err != nil {
			log.Error().Err(err).Str("room", cfg.RoomID).Msg("auto-join failed")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		select {
		case <-gctx.Done():
		case <-client.Done():
			err = sig.ErrClosed
			log.Error().Msg("signaling connection lost")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Error().Err(serr).Msg("Server forced to shutdown")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("client stopped")
	}

	log.Info().Msg("Shutting down")
	session.End()
	unwatch()
	player.Close()
	if err := client.Close(); err != nil {
		log.Debug().Err(err).Msg("signaling close")
	}
	log.Info().Msg("Client exited gracefully")
}
