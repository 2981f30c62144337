// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sdk implements the vailix client lifecycle singleton: a single
// initialized Engine per process, safe to create concurrently from any
// number of callers. Grounded on core/worker.Worker's sync.Once-gated
// lazy init, generalized with golang.org/x/sync/singleflight so a failed
// initialization clears its slot and a later caller can retry (a bare
// sync.Once cannot express that).
package sdk

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"github.com/vailix-dev/vailix/config"
	"github.com/vailix-dev/vailix/identity"
	"github.com/vailix-dev/vailix/match"
	"github.com/vailix-dev/vailix/report"
	"github.com/vailix-dev/vailix/store"
)

const createKey = "create"

var (
	mu        sync.Mutex
	instance  *Engine
	initGroup singleflight.Group
	ready     atomic.Bool
)

// Engine is the process's single initialized client: the identity engine,
// the encrypted contact store, and the report and match pipelines built on
// top of them.
type Engine struct {
	cfg *config.ClientConfig
	log *logging.Logger

	Identity *identity.Engine
	Store    *store.Store
	Report   *report.Pipeline
	Match    *match.Matcher
}

// Create returns the process's single Engine, running one-time
// initialization (key-storage read, database open, ledger load) on first
// call. Any number of concurrent callers during initialization observe the
// same in-flight attempt and receive the same Engine; there is no window
// in which two callers each start the heavyweight work. If initialization
// fails the slot clears and the next call starts over.
func Create(cfg *config.ClientConfig, log *logging.Logger) (*Engine, error) {
	mu.Lock()
	if instance != nil {
		eng := instance
		mu.Unlock()
		return eng, nil
	}
	mu.Unlock()

	v, err, _ := initGroup.Do(createKey, func() (interface{}, error) {
		// Re-check under the lock: another caller may have completed
		// create() between our fast-path read above and this closure
		// actually running.
		mu.Lock()
		if instance != nil {
			eng := instance
			mu.Unlock()
			return eng, nil
		}
		mu.Unlock()

		eng, err := newEngine(cfg, log)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		instance = eng
		mu.Unlock()
		ready.Store(true)
		return eng, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// Destroy releases the engine's resources (the encrypted database; BLE
// and other transport collaborators are handled elsewhere) and clears
// the singleton slot. It is a no-op if no engine was created.
func Destroy() error {
	mu.Lock()
	eng := instance
	instance = nil
	mu.Unlock()
	ready.Store(false)

	if eng == nil {
		return nil
	}
	return eng.Store.Close()
}

// IsInitialized reports whether the engine has reached the READY state.
func IsInitialized() bool {
	return ready.Load()
}

func newEngine(cfg *config.ClientConfig, log *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil client config", config.ErrConfigInvalid)
	}

	period := time.Duration(cfg.RPIDurationMs) * time.Millisecond
	idEngine := identity.New(&identity.FileKeyStorage{Dir: cfg.DataDir}, period)
	if err := idEngine.Initialize(); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.DataDir, "contacts.db")
	st, err := store.Open(dbPath, idEngine.MasterKey(), cfg.RescanIntervalMs, log)
	if err != nil {
		return nil, err
	}

	checkpoint := match.FileCheckpointStore{Path: filepath.Join(cfg.DataDir, "checkpoint.cbor")}

	return &Engine{
		cfg:      cfg,
		log:      log,
		Identity: idEngine,
		Store:    st,
		Report:   report.New(idEngine, cfg.ReportURL, cfg.AppSecret, "", log),
		Match:    match.New(cfg.DownloadURL, cfg.AppSecret, st, checkpoint, log),
	}, nil
}

// Submit builds and submits a report covering the configured history
// depth.
func (e *Engine) Submit(ctx context.Context, metadata []byte) (bool, error) {
	return e.Report.Submit(ctx, e.cfg.ReportDays, metadata)
}

// FetchAndMatch runs one fetch-and-match pass against the configured
// download endpoint.
func (e *Engine) FetchAndMatch(ctx context.Context) ([]match.Match, error) {
	return e.Match.FetchAndMatch(ctx)
}

// LogScan records a completed proximity exchange. The transport
// collaborator is expected to call CanScan first and suppress
// duplicates.
func (e *Engine) LogScan(peerRPIHex, peerMetaKeyHex string, nowMs int64) error {
	return e.Store.LogScan(peerRPIHex, peerMetaKeyHex, nowMs)
}

// CanScan reports whether the rescan throttle permits logging a contact
// with the given peer RPI now.
func (e *Engine) CanScan(peerRPIHex string, nowMs int64) bool {
	return e.Store.CanScan(peerRPIHex, nowMs)
}
