// Package recorder runs voice diary recording sessions: it acquires the
// microphone, collects captured audio chunks in delivery order, and hands
// the assembled payload to the diary server when the user stops.
package recorder

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a recording session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrPermissionDenied means the user or the OS refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means there is no usable input device.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	// ErrBusy is returned by Start while another session is still running.
	ErrBusy = errors.New("a recording session is already active")
	// ErrNotRecording is returned by Stop when there is nothing to stop.
	// The call has no effect.
	ErrNotRecording = errors.New("not recording")
	// ErrShuttingDown is returned by Start once Shutdown has been called.
	ErrShuttingDown = errors.New("recorder is shutting down")
)

// Session is one attempt to record and submit an entry.
type Session struct {
	id string

	mu        sync.Mutex
	state     State
	chunks    [][]byte
	size      int
	count     int
	startedAt time.Time
	stoppedAt time.Time
	err       error

	stream  Stream
	capture Capture
	timer   *time.Timer

	releaseOnce sync.Once
	releaseErr  error
	doneOnce    sync.Once

	finalized chan struct{} // closed once the last chunk has been collected
	done      chan struct{} // closed on Completed or Failed
}

func newSession() *Session {
	return &Session{
		id:        uuid.NewString(),
		state:     StateIdle,
		finalized: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID identifies the session in logs and events.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has reached Completed or Failed and its
// notifications have been published.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot is a point-in-time view of a session for UIs.
type Snapshot struct {
	SessionID string     `json:"session_id,omitempty"`
	State     State      `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ElapsedMs int64      `json:"elapsed_ms"`
	Chunks    int        `json:"chunks"`
	Bytes     int        `json:"bytes"`
	Error     string     `json:"error,omitempty"`
}

// Snapshot describes the session as of now.
func (s *Session) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID: s.id,
		State:     s.state,
		Chunks:    s.count,
		Bytes:     s.size,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
		end := now
		if !s.stoppedAt.IsZero() {
			stopped := s.stoppedAt
			snap.StoppedAt = &stopped
			end = stopped
		}
		snap.ElapsedMs = end.Sub(started).Milliseconds()
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// transition moves from one state to another and reports whether it did.
// It is the only guard against two stop sequences running at once.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) set(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

// collect appends chunks in delivery order until the capture closes the channel.
func (s *Session) collect(chunks <-chan []byte) {
	defer close(s.finalized)
	for chunk := range chunks {
		s.mu.Lock()
		if !s.state.Terminal() {
			s.chunks = append(s.chunks, chunk)
			s.size += len(chunk)
			s.count++
		}
		s.mu.Unlock()
	}
}

// payload concatenates the collected chunks. Never nil.
func (s *Session) payload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.chunks, nil)
}

// release stops the microphone. Safe to call from every exit path; the
// stream is released at most once.
func (s *Session) release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			s.releaseErr = stream.Release()
		}
	})
	return s.releaseErr
}

// finish moves the session to a terminal state and drops its audio.
func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	s.err = err
	s.chunks = nil
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
