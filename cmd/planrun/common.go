package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/db"
	"github.com/metalagman/planrun/internal/engine"
	"github.com/metalagman/planrun/internal/ratelimit"
	"github.com/metalagman/planrun/internal/runstore"
	"github.com/metalagman/planrun/internal/tools"
)

func workDir() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return root, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, func() {}, fmt.Errorf("create db dir: %w", err)
	}
	storeDB, err := db.Open(ctx, path)
	if err != nil {
		return nil, func() {}, err
	}
	return storeDB, func() { _ = storeDB.Close() }, nil
}

// app is a fully wired engine plus the resources it holds.
type app struct {
	cfg     config.Config
	engine  *engine.Engine
	tools   *tools.Registry
	archive *db.Archive
	close   func()
}

// newApp wires the engine from cfg. Background sweeps run until ctx ends.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	prov, err := newProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	reg, err := tools.NewBuiltin(cfg, nil)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, tools: reg, close: func() {}}
	var opts []runstore.Option
	if cfg.Store.Persist {
		storeDB, closeFn, err := openDB(ctx, cfg.Store.DBPath)
		if err != nil {
			return nil, err
		}
		a.archive = db.NewArchive(storeDB)
		a.close = closeFn
		opts = append(opts, runstore.WithArchiver(a.archive))
	}

	store := runstore.New(cfg.Store, opts...)
	limiter := ratelimit.New(cfg.RateLimit)
	go store.Run(ctx)
	go limiter.Run(ctx)

	eng, err := engine.New(cfg, engine.Deps{
		Provider: prov,
		Tools:    reg,
		Store:    store,
		Limiter:  limiter,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}
