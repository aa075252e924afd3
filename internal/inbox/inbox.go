// Package inbox watches a directory for audio files recorded elsewhere (a
// phone, a dictaphone, another app) and submits each one as a diary entry.
//
// A file is uploaded once it has stopped changing for the settle window,
// then moved into sent/ or failed/ so it is never submitted twice.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ryan-winkler/voicediary/internal/entries"
	"github.com/ryan-winkler/voicediary/internal/notify"
)

// audioExtensions are the file types we pick up.
var audioExtensions = map[string]bool{
	".wav":  true,
	".webm": true,
	".ogg":  true,
	".opus": true,
	".m4a":  true,
	".mp3":  true,
	".mp4":  true,
	".flac": true,
}

const (
	SentDir   = "sent"
	FailedDir = "failed"
)

// Uploader submits one file.
type Uploader interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) error
}

// Refresher reloads the entries list after an upload.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Options tunes the debounce loop. Zero values use the defaults.
type Options struct {
	Settle time.Duration // default 3s
	Tick   time.Duration // default 1s
}

// Watcher monitors the inbox directory.
type Watcher struct {
	dir       string
	uploader  Uploader
	refresher Refresher
	sink      notify.Sink
	logger    *slog.Logger
	opts      Options

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool // paths being uploaded
}

// New creates a Watcher. refresher may be nil.
func New(dir string, uploader Uploader, refresher Refresher, sink notify.Sink, logger *slog.Logger, opts Options) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = 3 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if sink == nil {
		sink = notify.Discard
	}
	return &Watcher{
		dir:       dir,
		uploader:  uploader,
		refresher: refresher,
		sink:      sink,
		logger:    logger,
		opts:      opts,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		inflight:  make(map[string]bool),
	}
}

// Start begins watching. Audio files already in the directory are queued
// as well. Call Stop to clean up.
func (w *Watcher) Start() error {
	if w.dir == "" {
		return errors.New("inbox directory is empty")
	}
	for _, d := range []string{w.dir, filepath.Join(w.dir, SentDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch dir %s: %w", w.dir, err)
	}
	w.fsw = fsw

	existing, err := w.scan()
	if err != nil {
		fsw.Close()
		return err
	}

	w.logger.Info("inbox watcher started", "dir", w.dir, "queued", len(existing))
	go w.loop(existing)
	return nil
}

// Stop shuts the watcher down and waits for in-flight uploads.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
			<-w.done
		}
		w.wg.Wait()
	})
}

func (w *Watcher) scan() ([]string, error) {
	des, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var paths []string
	for _, de := range des {
		if de.Type().IsRegular() && isAudio(de.Name()) {
			paths = append(paths, filepath.Join(w.dir, de.Name()))
		}
	}
	return paths, nil
}

func isAudio(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

func (w *Watcher) loop(existing []string) {
	defer close(w.done)

	// Debounce: a file is processed once it has been quiet for Settle.
	pending := make(map[string]time.Time)
	now := time.Now()
	for _, p := range existing {
		pending[p] = now.Add(-w.opts.Settle)
	}
	ticker := time.NewTicker(w.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || !isAudio(filepath.Base(event.Name)) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("inbox watcher error", "error", err)

		case <-ticker.C:
			now := time.Now()
			for path, lastSeen := range pending {
				if now.Sub(lastSeen) < w.opts.Settle {
					continue
				}
				// A write during an upload waits for it; by then the file
				// has usually been moved and the entry is dropped in process.
				if !w.claim(path) {
					continue
				}
				delete(pending, path)
				w.wg.Add(1)
				go func(path string) {
					defer w.wg.Done()
					defer w.release(path)
					w.process(path)
				}(path)
			}
		}
	}
}

// claim marks path as uploading. It reports false if it already is.
func (w *Watcher) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[path] {
		return false
	}
	w.inflight[path] = true
	return true
}

func (w *Watcher) release(path string) {
	w.mu.Lock()
	delete(w.inflight, path)
	w.mu.Unlock()
}

func (w *Watcher) process(path string) {
	name := filepath.Base(path)
	log := w.logger.With("file", name)

	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error("open inbox file", "error", err)
		}
		return
	}

	log.Info("uploading inbox file")
	w.sink.Publish(notify.InboxEvent(notify.LevelInfo, name, "Uploading "+name))
	err = w.uploader.UploadFile(context.Background(), name, f)
	f.Close()

	if err != nil {
		log.Error("inbox upload failed", "error", err)
		msg := "Upload failed"
		if errors.Is(err, entries.ErrNetwork) {
			msg = "Network error"
		}
		w.sink.Publish(notify.InboxEvent(notify.LevelError, name, msg))
		w.move(path, FailedDir, log)
		return
	}

	log.Info("inbox file uploaded")
	w.sink.Publish(notify.InboxEvent(notify.LevelSuccess, name, "Audio uploaded successfully"))
	w.move(path, SentDir, log)
	if w.refresher != nil {
		if err := w.refresher.Refresh(context.Background()); err != nil {
			log.Warn("entries refresh failed", "error", err)
		}
	}
}

// move files path under dir, adding a timestamp if the name is taken.
func (w *Watcher) move(path, dir string, log *slog.Logger) {
	name := filepath.Base(path)
	dst := filepath.Join(w.dir, dir, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(w.dir, dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dst); err != nil {
		log.Error("move inbox file", "to", dst, "error", err)
	}
}
