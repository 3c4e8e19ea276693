package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/config"
	"github.com/fruitsalade/treesync/internal/events"
	"github.com/fruitsalade/treesync/internal/filetree"
	"github.com/fruitsalade/treesync/internal/fsclient"
	"github.com/fruitsalade/treesync/internal/logging"
	"github.com/fruitsalade/treesync/internal/preferences"
	"github.com/fruitsalade/treesync/internal/workspace"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// app is a wired tree service with its collaborators.
type app struct {
	cfg    *config.Config
	client *fsclient.Client
	ws     *workspace.Provider
	prefs  *preferences.Store
	bc     *events.Broadcaster
	svc    *filetree.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogFile,
	}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	client, err := fsclient.New(fsclient.Options{
		Fs:           afero.NewOsFs(),
		Mode:         cfg.WatchMode,
		PollInterval: cfg.PollInterval,
		BatchWindow:  cfg.BatchWindow,
		Excludes:     cfg.WatchExcludes,
		Logger:       logging.Named("fsclient"),
	})
	if err != nil {
		return nil, err
	}

	target, err := filepath.Abs(cfg.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	ws := workspace.New(client, logging.Named("workspace"))
	if err := ws.Open(ctx, uri.File(filepath.ToSlash(target))); err != nil {
		return nil, err
	}

	prefs := preferences.New(logging.Named("preferences"))
	if cfg.PreferencesFile != "" {
		if prefs, err = preferences.Load(cfg.PreferencesFile, logging.Named("preferences")); err != nil {
			return nil, err
		}
		prefs.Watch()
	}

	bc := events.NewBroadcaster()
	svc, err := filetree.New(filetree.Options{
		Workspace:     ws,
		FileSystem:    watchClient{client},
		Provider:      filetree.NewFSProvider(client),
		Preferences:   prefs,
		Broadcaster:   bc,
		DebounceDelay: cfg.DebounceDelay,
		Logger:        logging.Named("filetree"),
	})
	if err != nil {
		return nil, err
	}
	if err := svc.Init(ctx); err != nil {
		_ = svc.Dispose()
		return nil, fmt.Errorf("init tree: %w", err)
	}

	logging.Info("Workspace resolved",
		zap.String("workspace", target),
		zap.String("root", svc.Root().Path()),
		zap.String("watch_mode", cfg.WatchMode))
	return &app{cfg: cfg, client: client, ws: ws, prefs: prefs, bc: bc, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.svc.Dispose(); err != nil {
		logging.Warn("Dispose failed", zap.Error(err))
	}
	a.bc.Close()
	_ = logging.Sync()
}

// watchClient exposes the fs client's watches as filetree.Watcher values.
type watchClient struct {
	c *fsclient.Client
}

func (w watchClient) WatchFileChanges(ctx context.Context, u uri.URI) (filetree.Watcher, error) {
	watch, err := w.c.WatchFileChanges(ctx, u)
	if err != nil {
		return nil, err
	}
	return watch, nil
}
