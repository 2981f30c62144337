// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command vailix-server runs the ingest/download HTTP surface against a
// local bbolt-backed store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vailix-dev/vailix/config"
	vlog "github.com/vailix-dev/vailix/core/log"
	"github.com/vailix-dev/vailix/server/httpapi"
	"github.com/vailix-dev/vailix/server/ingest"
)

func main() {
	cfgFile := flag.String("f", "vailix-server.toml", "Path to the server config file.")
	flag.Parse()

	cfg, err := config.LoadServerFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vailix-server: failed to load config file %q: %v\n", *cfgFile, err)
		os.Exit(1)
	}

	backend, err := vlog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vailix-server: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := backend.GetLogger("vailix-server")

	dbPath := filepath.Join(cfg.DataDir, "ingest.db")
	store, err := ingest.Open(dbPath, time.Duration(cfg.RetentionDays)*24*time.Hour, backend.GetLogger("ingest"))
	if err != nil {
		log.Errorf("failed to open ingest store at %q: %v", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	apiCfg := httpapi.Config{
		Secret:             cfg.Secret,
		RateLimitPerMinute: cfg.RateLimit.Max,
	}
	if cfg.AttestProvider != "" {
		apiCfg.AttestVerify = attestVerifierFor(cfg.AttestProvider)
	}

	srv := httpapi.New(apiCfg, store, backend.GetLogger("httpapi"))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv.Handler(),
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-haltCh
		log.Notice("received shutdown signal, draining connections")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warningf("graceful shutdown did not complete cleanly: %v", err)
		}
	}()

	log.Noticef("listening on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}

// attestVerifierFor resolves the configured attestation provider name to a
// verification function. Only "none" (the default, expressed as an empty
// ATTEST_PROVIDER upstream) and "static" are implemented; "static" checks
// against the ATTEST_STATIC_TOKEN environment variable, a development
// stand-in for a real device-attestation service.
func attestVerifierFor(provider string) func(token string) bool {
	switch provider {
	case "static":
		want := os.Getenv("ATTEST_STATIC_TOKEN")
		return func(token string) bool { return want != "" && token == want }
	default:
		return nil
	}
}
