package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mustafarec/KulturaX-sub003/internal/config"
	"github.com/mustafarec/KulturaX-sub003/internal/httpapi"
	"github.com/mustafarec/KulturaX-sub003/internal/journal"
	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/relay"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logging: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	verifier, err := newCredentialVerifier(cfg, logger)
	if err != nil {
		logger.Fatal("configure handshake verifier", logging.Error(err))
	}

	opts := []relay.Option{relay.WithVerifier(verifier)}
	if cfg.JournalDir != "" {
		recorder, err := journal.NewWriter(cfg.JournalDir, time.Now)
		if err != nil {
			logger.Fatal("open event journal", logging.Error(err))
		}
		defer recorder.Close()
		opts = append(opts, relay.WithRecorder(recorder))
		logger.Info("event journal enabled", logging.String("path", recorder.Path()))
	}

	broker := relay.NewBroker(cfg, logger, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.HandleWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Status:      broker,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(cfg.StatusWindow, cfg.StatusBurst, time.Now),
	})
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	logger.Info("relay listening", logging.String("url", listenerURL(cfg.Address, tlsEnabled)))

	errCh := make(chan error, 1)
	go func() {
		if tlsEnabled {
			errCh <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve relay", logging.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown incomplete", logging.Error(err))
		}
	}
}
