// Command scpd runs the secure chat realtime core: the WebSocket session
// router, message pipeline, call signaling, key directory, push dispatcher
// and the HTTP API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"

	"github.com/axiona25/securechat-sub000/internal/auth"
	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/call"
	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/httpapi"
	"github.com/axiona25/securechat-sub000/internal/keysvc"
	"github.com/axiona25/securechat-sub000/internal/logging"
	"github.com/axiona25/securechat-sub000/internal/media"
	"github.com/axiona25/securechat-sub000/internal/metrics"
	"github.com/axiona25/securechat-sub000/internal/pipeline"
	"github.com/axiona25/securechat-sub000/internal/push"
	"github.com/axiona25/securechat-sub000/internal/sched"
	"github.com/axiona25/securechat-sub000/internal/session"
	"github.com/axiona25/securechat-sub000/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go m.SampleSystem(ctx, cfg.Metrics.SampleInterval, logger)

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				m.BrokerConnected.Set(0)
				logger.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				m.BrokerConnected.Set(1)
				logger.Info().Msg("nats reconnected")
			}),
		)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("nats connect failed")
		}
		defer nc.Close()
		m.BrokerConnected.Set(1)
	} else {
		logger.Warn().Msg("no nats url configured, topic bus runs single-node")
	}

	st, err := store.Open(ctx, cfg.Database, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database open failed")
	}
	defer st.Close()

	b, err := bus.New(cfg.Bus, cfg.NATS, nc, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bus init failed")
	}
	defer b.Close()

	var sender push.Sender
	if cfg.Push.CredentialsFile != "" {
		fcm, err := push.NewFCMSender(ctx, cfg.Push.CredentialsFile, cfg.Push.APNSVoIPTopic)
		if err != nil {
			logger.Fatal().Err(err).Msg("fcm init failed")
		}
		sender = fcm
	} else {
		logger.Warn().Msg("no fcm credentials configured, vendor push disabled")
	}
	dispatcher := push.New(cfg.Push, st, b, sender, m, logger)
	dispatcher.Start(ctx, cfg.Push.Workers)
	defer dispatcher.Close()

	pl := pipeline.New(st, b, dispatcher, logger)
	calls := call.NewService(st, b, dispatcher, logger)
	defer calls.Close()
	keys := keysvc.New(st, b, dispatcher, logger)

	ms, err := media.New(ctx, cfg.Media)
	if err != nil {
		logger.Fatal().Err(err).Msg("media storage init failed")
	}

	jwt := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessLifetime, cfg.Auth.RefreshLifetime)
	hub := session.NewHub(st, b, pl, calls, jwt, m, logger)
	defer hub.Close()

	sweeper := sched.New(st, b, dispatcher, logger)
	if err := sweeper.Start(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler start failed")
	}
	defer sweeper.Stop()

	srv := httpapi.New(cfg, st, jwt, pl, keys, calls, hub, ms, m, logger)
	httpSrv := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
}
