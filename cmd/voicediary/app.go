package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/ryan-winkler/voicediary/internal/capture"
	"github.com/ryan-winkler/voicediary/internal/config"
	"github.com/ryan-winkler/voicediary/internal/csrf"
	"github.com/ryan-winkler/voicediary/internal/entries"
	"github.com/ryan-winkler/voicediary/internal/notify"
	"github.com/ryan-winkler/voicediary/internal/recorder"
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *entries.Client
	cache   *entries.Cache
	ctl     *recorder.Controller
	capture *capture.Command
}

// newApp wires the diary client, CSRF handling and the recording controller.
// sink receives every notification and state change.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, sink notify.Sink) (*app, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout, Jar: jar}

	tokens, err := newTokenSource(ctx, cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}

	client := entries.New(cfg.ServerURL, entries.Options{
		UploadPath:  cfg.UploadPath,
		UploadField: cfg.UploadField,
		EntriesPath: cfg.EntriesPath,
		DeletePath:  cfg.DeletePath,
		TextPath:    cfg.TextPath,
	}, tokens, httpClient, logger)
	cache := entries.NewCache(client, cfg.EntriesTTL, sink, logger)

	cmd := capture.New(cfg.RecordCommand, cfg.ChunkSize, logger)
	ctl := recorder.New(recorder.Config{
		Microphone:  cmd,
		Capturer:    cmd,
		Uploader:    client,
		Refresher:   cache,
		Sink:        sink,
		MaxDuration: cfg.MaxDuration,
	}, logger)

	return &app{cfg: cfg, logger: logger, client: client, cache: cache, ctl: ctl, capture: cmd}, nil
}

// newTokenSource builds the CSRF chain: a configured token wins, then the
// csrftoken cookie, then the form token of the configured page.
func newTokenSource(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (csrf.Source, error) {
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	sources := []csrf.Source{
		csrf.Static(cfg.CSRFToken),
		csrf.NewCookieSource(httpClient.Jar, base, cfg.CSRFCookie),
	}
	if cfg.CSRFPage != "" {
		pageURL := cfg.CSRFPage
		if ref, err := url.Parse(pageURL); err == nil && !ref.IsAbs() {
			pageURL = base.ResolveReference(ref).String()
		}
		page, err := csrf.NewPageSource(httpClient, pageURL, cfg.CSRFCookie)
		if err != nil {
			return nil, err
		}
		if err := page.Load(ctx); err != nil {
			// The diary may be down right now; uploads will report it.
			logger.Warn("could not prime CSRF token", "page", pageURL, "error", err)
		} else {
			logger.Info("CSRF token loaded", "page", pageURL)
		}
		sources = append(sources, page)
	}
	return csrf.Chain(sources...), nil
}
