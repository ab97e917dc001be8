package main

import (
	"fmt"
	"path/filepath"

	"xposter/internal/auth"
	"xposter/internal/config"
	"xposter/internal/dispatch"
	"xposter/internal/media"
	"xposter/internal/poster"
	"xposter/internal/ratelimit"
	"xposter/internal/source"
	"xposter/internal/staging"
	"xposter/internal/store"
	"xposter/internal/upload"
)

// newManager wires the token manager over the shared store.
func newManager(cfg *config.Config, st *store.Store) *auth.Manager {
	return auth.NewManager(auth.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
		AuthorizeURL: cfg.AuthorizeURL,
		TokenURL:     cfg.TokenURL,
		Store:        st,
	})
}

// newDispatcher wires the full publish pipeline: content source, media
// validator, staging store, upload engine and publish client all share one
// rate limit tracker and token manager.
func newDispatcher(cfg *config.Config, st *store.Store) (*dispatch.Dispatcher, error) {
	manager := newManager(cfg, st)
	limits := ratelimit.NewTracker()

	fsStore, err := staging.NewFSStore(cfg.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}

	uploads := upload.New(upload.Config{
		BaseURL:        cfg.APIBaseURL,
		Tokens:         manager,
		Limits:         limits,
		AccountID:      cfg.AccountID,
		ChunkSize:      cfg.ChunkSize,
		ProcessingWait: cfg.ProcessingWait,
	})

	publisher := poster.New(poster.Config{
		BaseURL:   cfg.APIBaseURL,
		Tokens:    manager,
		Limits:    limits,
		Pacer:     ratelimit.NewPacer(cfg.PublishMinInterval),
		AccountID: cfg.AccountID,
	})

	return dispatch.New(dispatch.Config{
		Source:           source.NewSQLiteSource(st),
		Validator:        media.NewValidator(cfg.MaxMediaBytes, cfg.MaxMediaSeconds, cfg.StrictValidation),
		Staging:          fsStore,
		Sweeper:          fsStore,
		Uploads:          uploads,
		Publisher:        publisher,
		DownloadDir:      filepath.Join(cfg.StagingDir, "incoming"),
		MaxMediaBytes:    cfg.MaxMediaBytes,
		MaxAttempts:      cfg.MaxAttempts,
		ScheduleMode:     cfg.ScheduleMode,
		PostInterval:     cfg.PostInterval,
		PostTimes:        cfg.PostTimes,
		StagingRetention: cfg.StagingRetention,
	}), nil
}
