package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ryan-winkler/voicediary/internal/config"
	"github.com/ryan-winkler/voicediary/internal/entries"
	"github.com/ryan-winkler/voicediary/internal/inbox"
	"github.com/ryan-winkler/voicediary/internal/notify"
	"github.com/ryan-winkler/voicediary/internal/ratelimit"
	"github.com/ryan-winkler/voicediary/internal/recorder"
	"github.com/ryan-winkler/voicediary/internal/server"
	localtls "github.com/ryan-winkler/voicediary/internal/tls"
)

// eventBus serves the hub's streams but publishes through sink, so toasts
// raised by API handlers also reach the console.
type eventBus struct {
	*notify.Hub
	sink notify.Sink
}

func (b eventBus) Publish(ev notify.Event) { b.sink.Publish(ev) }

func cmdServe(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var (
		port      = fs.Int("port", 0, "Control API port (default: 8095)")
		host      = fs.String("host", "", "Bind address (default: 127.0.0.1)")
		serverURL = fs.String("server", "", "Diary server URL")
		inboxDir  = fs.String("inbox", "", "Directory watched for audio files to upload")
		maxDur    = fs.Duration("max", -1, "Stop recordings automatically after this long (0 = manual)")
		enableTLS = fs.Bool("tls", false, "Serve HTTPS with a self-signed certificate")
		access    = fs.Bool("access-log", false, "Log every request")
		console   = fs.Bool("console", false, "Print notifications to the terminal")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *serverURL != "" {
		cfg.ServerURL = strings.TrimRight(*serverURL, "/")
	}
	if *inboxDir != "" {
		cfg.InboxDir = *inboxDir
	}
	if *maxDur >= 0 {
		cfg.MaxDuration = *maxDur
	}
	if *enableTLS {
		cfg.EnableTLS = true
	}
	if *access {
		cfg.AccessLog = true
	}
	if err := validate(cfg); err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stdout, slog.LevelInfo)
	ctx, stop := signalContext()
	defer stop()

	hub := notify.NewHub(cfg.NotifyTTL, logger)
	var sink notify.Sink = hub
	if *console {
		sink = notify.Multi{hub, notify.NewConsole(os.Stderr)}
	}

	a, err := newApp(ctx, cfg, logger, sink)
	if err != nil {
		return err
	}

	if cfg.InboxDir != "" {
		w := inbox.New(cfg.InboxDir, a.client, a.cache, sink, logger, inbox.Options{})
		if err := w.Start(); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		defer w.Stop()
	}

	limiter := ratelimit.New(cfg.RateLimit, time.Minute, cfg.RateAllow)
	go limiter.Run(ctx, 5*time.Minute)

	srv := server.New(server.Deps{
		Recorder: a.ctl,
		Diary:    a.client,
		Entries:  a.cache,
		Events:   eventBus{Hub: hub, sink: sink},
	}, server.Options{
		AuthToken: cfg.AuthToken,
		AccessLog: cfg.AccessLog,
		Limiter:   limiter,
		Version:   version,
	}, logger)

	var tlsConfig *tls.Config
	proto := "http"
	if cfg.EnableTLS {
		tlsConfig, err = localtls.GenerateOrLoad(cfg.CertDir, nil, logger)
		if err != nil {
			logger.Error("TLS setup failed, falling back to HTTP", "error", err,
				"why", "cert generation failed, running without TLS")
			tlsConfig = nil
		} else {
			proto = "https"
		}
	}

	logger.Info("voicediary starting",
		"addr", cfg.ListenAddr(),
		"proto", proto,
		"server", cfg.ServerURL,
		"recorder", a.capture.String(),
		"max_duration", cfg.MaxDuration,
		"inbox", cfg.InboxDir,
	)
	fmt.Fprintf(os.Stdout, "\n  voicediary v%s\n  → %s://%s/api/record\n  → diary: %s\n\n", version, proto, cfg.ListenAddr(), cfg.ServerURL)

	serveErr := srv.ListenAndServe(ctx, cfg.ListenAddr(), tlsConfig)

	logger.Info("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.ctl.Shutdown(shutdownCtx); err != nil {
		logger.Error("recording shutdown failed", "error", err,
			"why", "an active recording could not be finalized or uploaded before exit")
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("goodbye")
	return nil
}

func cmdRecord(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	maxDur := fs.Duration("max", cfg.MaxDuration, "Stop automatically after this long (0 = wait for Enter)")
	verbose := fs.Bool("verbose", false, "Log progress to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.MaxDuration = *maxDur
	if err := validate(cfg); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := newLogger(cfg, os.Stderr, level)
	ctx, stop := signalContext()
	defer stop()

	console := notify.NewConsole(os.Stdout)
	console.ShowState = *verbose
	a, err := newApp(ctx, cfg, logger, console)
	if err != nil {
		return err
	}

	sess, err := a.ctl.Start(ctx)
	if err != nil {
		return err
	}
	if cfg.MaxDuration > 0 {
		fmt.Printf("Recording for up to %s. Press Enter to stop.\n", cfg.MaxDuration)
	} else {
		fmt.Println("Recording. Press Enter to stop.")
	}

	enter := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()
	select {
	case <-enter:
	case <-ctx.Done():
	case <-sess.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = a.ctl.Stop(stopCtx)
	if errors.Is(err, recorder.ErrNotRecording) {
		// Stopped by the duration limit; wait for that upload.
		<-sess.Done()
		err = sess.Err()
	}
	return err
}

func cmdEntries(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("entries", flag.ContinueOnError)
	query := fs.String("q", "", "Only show entries containing this text (case-insensitive)")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return err
	}

	a, ctx, stop, err := cliApp(cfg)
	if err != nil {
		return err
	}
	defer stop()

	markup, err := a.client.List(ctx)
	if err != nil {
		return err
	}
	cards, err := entries.Cards(markup)
	if err != nil {
		return err
	}
	return printCards(os.Stdout, entries.Filter(cards, *query), *asJSON)
}

func printCards(w io.Writer, cards []entries.Card, asJSON bool) error {
	if asJSON {
		if cards == nil {
			cards = []entries.Card{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cards)
	}
	if len(cards) == 0 {
		fmt.Fprintln(w, "No entries.")
		return nil
	}
	for _, c := range cards {
		id := c.ID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "%6s  %s\n", id, c.Text)
	}
	return nil
}

func cmdDelete(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: voicediary delete <id>", errUsage)
	}
	if err := validate(cfg); err != nil {
		return err
	}

	a, ctx, stop, err := cliApp(cfg)
	if err != nil {
		return err
	}
	defer stop()

	console := notify.NewConsole(os.Stdout)
	if err := a.client.Delete(ctx, fs.Arg(0)); err != nil {
		msg := "Delete failed"
		if errors.Is(err, entries.ErrNetwork) {
			msg = "Network error"
		}
		console.Publish(notify.Notification(notify.LevelError, msg))
		return err
	}
	console.Publish(notify.Notification(notify.LevelSuccess, "Entry deleted"))
	return nil
}

func cmdWrite(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := strings.Join(fs.Args(), " ")
	if content == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = string(data)
	}
	if err := validate(cfg); err != nil {
		return err
	}

	a, ctx, stop, err := cliApp(cfg)
	if err != nil {
		return err
	}
	defer stop()

	console := notify.NewConsole(os.Stdout)
	err = a.client.SubmitText(ctx, content)
	switch {
	case err == nil:
		console.Publish(notify.Notification(notify.LevelSuccess, "Entry saved successfully!"))
		return nil
	case errors.Is(err, entries.ErrEmptyEntry):
		console.Publish(notify.Notification(notify.LevelWarning, "Please enter some text"))
		return fmt.Errorf("%w: voicediary write <text> (or - for stdin)", errUsage)
	default:
		msg := "Failed to save entry"
		if errors.Is(err, entries.ErrNetwork) {
			msg = "Network error"
		}
		console.Publish(notify.Notification(notify.LevelError, msg))
		return err
	}
}

// cliApp wires an app for the one-shot commands, logging only warnings.
func cliApp(cfg *config.Config) (*app, context.Context, context.CancelFunc, error) {
	logger := newLogger(cfg, os.Stderr, slog.LevelWarn)
	ctx, stop := signalContext()
	a, err := newApp(ctx, cfg, logger, notify.Discard)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return a, ctx, stop, nil
}
