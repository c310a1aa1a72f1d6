package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/auth"
	"msgpilot/internal/bot"
	"msgpilot/internal/config"
	"msgpilot/internal/crypto"
	"msgpilot/internal/fleet"
	"msgpilot/internal/hub"
	"msgpilot/internal/logging"
	"msgpilot/internal/remote"
	"msgpilot/internal/server"
	"msgpilot/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, ring := logging.Init(logging.Config{Dir: cfg.LogDir, Level: cfg.LogLevel})

	gin.SetMode(cfg.GinMode)

	box, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBPath, box)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	dial := remote.NewDialer(cfg.GatewayURL, logger)
	eventHub := hub.New()

	registry := bot.NewRegistry(bot.Options{
		Store:          st,
		Dial:           dial,
		Log:            logger,
		Events:         eventHub,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	fleetMgr := fleet.NewManager(fleet.Options{
		Store:          st,
		Dial:           dial,
		Log:            logger,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "msgpilot",
	}

	router := server.NewRouter(server.Deps{
		Store:          st,
		Registry:       registry,
		Fleet:          fleetMgr,
		Hub:            eventHub,
		LogRing:        ring,
		TokenConfig:    tokenCfg,
		Dial:           dial,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	srv := server.NewHTTPServer(cfg, router)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	// Workers that were live before the last shutdown come back on their own.
	go fleetMgr.RestoreAll(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	registry.StopAll(5 * time.Second)
	fleetMgr.StopAll(5 * time.Second)
}
