// voicediary records voice diary entries from the local microphone and
// submits them to the diary web app, the same way its dashboard does.
//
// Usage:
//
//	voicediary [serve]          run the control API, event stream and inbox watcher
//	voicediary record [-max 6s] record one entry; Enter or Ctrl-C stops
//	voicediary entries [-q txt] list entries, optionally filtered
//	voicediary delete <id>      delete an entry
//	voicediary write <text>     submit a text entry
//	voicediary --version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ryan-winkler/voicediary/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && (args[0] == "--version" || args[0] == "-v" || args[0] == "version") {
		fmt.Printf("voicediary %s\n", version)
		return 0
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "voicediary: %v\n", err)
		return 2
	}
	cfg := config.Load()

	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(cfg, args)
	case "record":
		err = cmdRecord(cfg, args)
	case "entries", "list":
		err = cmdEntries(cfg, args)
	case "delete":
		err = cmdDelete(cfg, args)
	case "write":
		err = cmdWrite(cfg, args)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "voicediary: unknown command %q\n\n", cmd)
		usage(os.Stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "voicediary %s: %v\n", cmd, err)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "voicediary %s: %v\n", cmd, err)
		return 1
	}
}

var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: voicediary <command> [flags]

commands:
  serve            run the control API (default)
  record           record one entry and upload it
  entries          list diary entries
  delete <id>      delete an entry
  write <text>     submit a text entry

Configuration is read from VOICEDIARY_* environment variables and .env.
`)
}

// newLogger builds the process logger. Output goes to out, and also to a
// rotating file when LogDir is set. VOICEDIARY_DEBUG lowers level to Debug.
func newLogger(cfg *config.Config, out io.Writer, level slog.Level) *slog.Logger {
	w := out
	if cfg.LogDir != "" {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "voicediary.log"),
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(out, rotator)
	}
	opts := &slog.HandlerOptions{Level: level}
	if os.Getenv("VOICEDIARY_DEBUG") != "" {
		opts.Level = slog.LevelDebug
	}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.LogDir != "" {
		cfg.LogDir = filepath.Clean(cfg.LogDir)
	}
	if cfg.InboxDir != "" {
		cfg.InboxDir = filepath.Clean(cfg.InboxDir)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
