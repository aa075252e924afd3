package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryan-winkler/voicediary/internal/entries"
	"github.com/ryan-winkler/voicediary/internal/notify"
)

// Stream is an exclusively owned microphone handle.
type Stream interface {
	// Release stops every underlying input track.
	Release() error
}

// Microphone grants access to audio input. RequestAudioInput may block
// while the user decides on a permission prompt. Failures should wrap
// ErrPermissionDenied or ErrDeviceUnavailable.
type Microphone interface {
	RequestAudioInput(ctx context.Context) (Stream, error)
}

// Capture is a running capture on a Stream.
type Capture interface {
	// Chunks delivers captured data in order. The receiver owns each slice.
	// The channel is closed after the last chunk, which may arrive after Stop.
	Chunks() <-chan []byte
	// Stop asks the capture to finalize.
	Stop()
}

// Capturer starts capturing from a stream.
type Capturer interface {
	Capture(stream Stream) (Capture, error)
}

// Uploader submits an assembled recording.
type Uploader interface {
	Upload(ctx context.Context, payload []byte) error
}

// Refresher reloads the entries list after a successful upload.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config wires a Controller to its collaborators.
type Config struct {
	Microphone Microphone
	Capturer   Capturer
	Uploader   Uploader
	Refresher  Refresher   // optional
	Sink       notify.Sink // optional; receives state changes and toasts

	// MaxDuration stops a recording automatically once reached.
	// Zero means the user always stops it.
	MaxDuration time.Duration

	// StopTimeout bounds the wait for the final chunk when a recording is
	// stopped by MaxDuration. Defaults to DefaultStopTimeout.
	StopTimeout time.Duration
}

// DefaultStopTimeout is used when Config.StopTimeout is zero.
const DefaultStopTimeout = 10 * time.Second

// Controller runs at most one recording session at a time.
type Controller struct {
	cfg    Config
	sink   notify.Sink
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *Session
	closing bool
}

// New creates a Controller.
func New(cfg Config, logger *slog.Logger) *Controller {
	sink := cfg.Sink
	if sink == nil {
		sink = notify.Discard
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Controller{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Current returns the latest session, or nil when idle.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// State is the state of the latest session, or Idle.
func (c *Controller) State() State {
	if s := c.Current(); s != nil {
		return s.State()
	}
	return StateIdle
}

// Snapshot describes the latest session.
func (c *Controller) Snapshot() Snapshot {
	if s := c.Current(); s != nil {
		return s.Snapshot(c.now())
	}
	return Snapshot{State: StateIdle}
}

// MaxDuration reports the configured auto-stop limit.
func (c *Controller) MaxDuration() time.Duration { return c.cfg.MaxDuration }

// Start begins a new session. While another session has not finished it
// returns ErrBusy without touching the microphone. If the microphone cannot
// be acquired the session fails, a notification is published, and the
// controller goes back to Idle so the user can retry.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if cur := c.current; cur != nil && !cur.State().Terminal() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession()
	c.current = s
	c.mu.Unlock()

	log := c.logger.With("session", s.id)

	stream, err := c.cfg.Microphone.RequestAudioInput(ctx)
	if err != nil {
		err = fmt.Errorf("request microphone: %w", err)
		log.Warn("microphone request failed", "error", err)
		c.abort(s, err, microphoneMessage(err))
		return nil, err
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	capture, err := c.cfg.Capturer.Capture(stream)
	if err != nil {
		err = fmt.Errorf("start capture: %w", err)
		log.Error("capture failed to start", "error", err)
		c.releaseMicrophone(s)
		c.abort(s, err, "Could not start recording")
		return nil, err
	}

	go s.collect(capture.Chunks())

	// Shutdown may have run while the microphone was being acquired. The
	// check and the move to Recording happen under c.mu so that Shutdown
	// either sees a recording it can stop or leaves this one to abort.
	c.mu.Lock()
	closing := c.closing
	if !closing {
		s.mu.Lock()
		s.capture = capture
		s.state = StateRecording
		s.startedAt = c.now()
		s.mu.Unlock()
	}
	c.mu.Unlock()
	if closing {
		log.Info("shutting down, discarding new recording")
		capture.Stop()
		c.releaseMicrophone(s)
		c.abort(s, ErrShuttingDown, "Recording cancelled")
		return nil, ErrShuttingDown
	}

	if limit := c.cfg.MaxDuration; limit > 0 {
		timer := time.AfterFunc(limit, func() { c.autoStop(s) })
		s.mu.Lock()
		s.timer = timer
		s.mu.Unlock()
	}

	log.Info("recording started", "max_duration", c.cfg.MaxDuration)
	c.publishState(s, StateRecording)
	c.notify(notify.LevelSuccess, "Recording started")
	return s, nil
}

// Stop finalizes the current recording and uploads it. It blocks until the
// upload has finished and returns its error. Calling Stop when no session is
// recording, including while one is already stopping or uploading, does
// nothing and returns ErrNotRecording.
//
// ctx bounds the wait for the final chunk only. Once the upload has started
// it runs to completion regardless of ctx.
func (c *Controller) Stop(ctx context.Context) error {
	s := c.Current()
	if s == nil {
		return ErrNotRecording
	}
	return c.stop(ctx, s)
}

// Shutdown stops and submits an active recording so the microphone is not
// left open when the process exits, then waits for the session to end.
// Later calls to Start fail with ErrShuttingDown, and a Start still waiting
// for the microphone gives it back as soon as it gets it.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := c.stop(ctx, s); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) stop(ctx context.Context, s *Session) error {
	if !s.transition(StateRecording, StateStopping) {
		return ErrNotRecording
	}
	defer s.closeDone()
	log := c.logger.With("session", s.id)

	s.mu.Lock()
	s.stoppedAt = c.now()
	capture := s.capture
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	c.publishState(s, StateStopping)
	c.notify(notify.LevelInfo, "Recording stopped")
	capture.Stop()

	select {
	case <-s.finalized:
	case <-ctx.Done():
		err := fmt.Errorf("finalize recording: %w", ctx.Err())
		log.Warn("gave up waiting for final chunk", "error", err)
		c.releaseMicrophone(s)
		c.fail(s, err)
		c.notify(notify.LevelError, "Recording failed")
		return err
	}
	c.releaseMicrophone(s)

	payload := s.payload()
	s.set(StateUploading)
	c.publishState(s, StateUploading)
	log.Info("uploading recording", "bytes", len(payload))

	// The upload is not cancellable by the caller.
	uctx := context.WithoutCancel(ctx)
	if err := c.cfg.Uploader.Upload(uctx, payload); err != nil {
		log.Error("upload failed", "error", err)
		c.fail(s, err)
		c.notify(notify.LevelError, uploadMessage(err))
		return fmt.Errorf("upload recording: %w", err)
	}

	s.finish(StateCompleted, nil)
	c.publishState(s, StateCompleted)
	c.notify(notify.LevelSuccess, "Audio uploaded successfully")
	log.Info("recording submitted")

	if c.cfg.Refresher != nil {
		if err := c.cfg.Refresher.Refresh(uctx); err != nil {
			log.Warn("entries refresh failed", "error", err)
		}
	}
	return nil
}

func (c *Controller) autoStop(s *Session) {
	if s.State() != StateRecording {
		return
	}
	c.logger.Info("maximum duration reached", "session", s.id, "max_duration", c.cfg.MaxDuration)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()
	if err := c.stop(ctx, s); err != nil && !errors.Is(err, ErrNotRecording) {
		c.logger.Warn("auto-stop failed", "session", s.id, "error", err)
	}
}

// abort ends a session that never started recording and returns the
// controller to Idle.
func (c *Controller) abort(s *Session, err error, msg string) {
	c.fail(s, err)
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	c.publishState(s, StateIdle)
	c.notify(notify.LevelError, msg)
	s.closeDone()
}

func (c *Controller) fail(s *Session, err error) {
	s.finish(StateFailed, err)
	c.publishState(s, StateFailed)
}

func (c *Controller) releaseMicrophone(s *Session) {
	if err := s.release(); err != nil {
		c.logger.Warn("microphone release failed", "session", s.id, "error", err)
	}
}

func (c *Controller) publishState(s *Session, state State) {
	c.sink.Publish(notify.StateChange(s.id, string(state)))
}

func (c *Controller) notify(level notify.Level, msg string) {
	c.sink.Publish(notify.Notification(level, msg))
}

func microphoneMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return "Microphone unavailable"
	default:
		return "Could not access microphone"
	}
}

func uploadMessage(err error) string {
	if errors.Is(err, entries.ErrNetwork) {
		return "Network error"
	}
	return "Upload failed"
}
