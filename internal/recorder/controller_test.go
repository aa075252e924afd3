package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryan-winkler/voicediary/internal/entries"
	"github.com/ryan-winkler/voicediary/internal/notify"
)

// --- fakes ---

type fakeStream struct {
	releases atomic.Int32
}

func (s *fakeStream) Release() error {
	s.releases.Add(1)
	return nil
}

type fakeMic struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{} // if set, RequestAudioInput waits on it
	streams  []*fakeStream
	requests atomic.Int32
}

func (m *fakeMic) RequestAudioInput(ctx context.Context) (Stream, error) {
	m.requests.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMic) totalReleases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		n += int(s.releases.Load())
	}
	return n
}

type fakeCapture struct {
	ch       chan []byte
	tail     [][]byte // delivered after Stop, before the channel closes
	hang     bool     // never close the channel
	stopOnce sync.Once
	stops    atomic.Int32
}

func (c *fakeCapture) Chunks() <-chan []byte { return c.ch }

func (c *fakeCapture) Stop() {
	c.stops.Add(1)
	c.stopOnce.Do(func() {
		if c.hang {
			return
		}
		go func() {
			for _, chunk := range c.tail {
				c.ch <- chunk
			}
			close(c.ch)
		}()
	})
}

func (c *fakeCapture) deliver(chunks ...[]byte) {
	for _, chunk := range chunks {
		c.ch <- chunk
	}
}

type fakeCapturer struct {
	mu       sync.Mutex
	err      error
	tail     [][]byte
	hang     bool
	captures []*fakeCapture
}

func (f *fakeCapturer) Capture(Stream) (Capture, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeCapture{ch: make(chan []byte), tail: f.tail, hang: f.hang}
	f.mu.Lock()
	f.captures = append(f.captures, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeCapturer) last() *fakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[len(f.captures)-1]
}

type fakeUploader struct {
	mu       sync.Mutex
	err      error
	delay    time.Duration
	payloads [][]byte
	ctxErr   error
}

func (u *fakeUploader) Upload(ctx context.Context, payload []byte) error {
	if u.delay > 0 {
		time.Sleep(u.delay)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.payloads = append(u.payloads, payload)
	u.ctxErr = ctx.Err()
	return u.err
}

func (u *fakeUploader) calls() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.payloads...)
}

type fakeRefresher struct{ calls atomic.Int32 }

func (r *fakeRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Publish(ev notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) notifications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Type == notify.TypeNotification {
			out = append(out, string(ev.Level)+":"+ev.Message)
		}
	}
	return out
}

func (s *recordingSink) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Type == notify.TypeState {
			out = append(out, ev.State)
		}
	}
	return out
}

type harness struct {
	mic       *fakeMic
	capturer  *fakeCapturer
	uploader  *fakeUploader
	refresher *fakeRefresher
	sink      *recordingSink
	ctl       *Controller
}

func newHarness(maxDuration time.Duration) *harness {
	h := &harness{
		mic:       &fakeMic{},
		capturer:  &fakeCapturer{},
		uploader:  &fakeUploader{},
		refresher: &fakeRefresher{},
		sink:      &recordingSink{},
	}
	h.ctl = New(Config{
		Microphone:  h.mic,
		Capturer:    h.capturer,
		Uploader:    h.uploader,
		Refresher:   h.refresher,
		Sink:        h.sink,
		MaxDuration: maxDuration,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

// --- scenarios ---

func TestStartStopUploadsChunksInOrder(t *testing.T) {
	h := newHarness(0)
	ctx := context.Background()

	s, err := h.ctl.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRecording, s.State())

	h.capturer.last().deliver([]byte("A"), []byte("B"))
	require.NoError(t, h.ctl.Stop(ctx))

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, StateCompleted, h.ctl.State())
	require.Len(t, h.uploader.calls(), 1)
	assert.Equal(t, []byte("AB"), h.uploader.calls()[0])
	assert.Equal(t, int32(1), h.refresher.calls.Load())
	assert.Equal(t, 1, h.mic.totalReleases())

	assert.Equal(t, []string{
		"success:Recording started",
		"info:Recording stopped",
		"success:Audio uploaded successfully",
	}, h.sink.notifications())
	assert.Equal(t, []string{"recording", "stopping", "uploading", "completed"}, h.sink.states())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after Stop returns")
	}
}

func TestChunkArrivingAfterStopIsIncluded(t *testing.T) {
	h := newHarness(0)
	h.capturer.tail = [][]byte{[]byte("C")}

	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	h.capturer.last().deliver([]byte("A"), []byte("B"))
	require.NoError(t, h.ctl.Stop(context.Background()))

	assert.Equal(t, []byte("ABC"), h.uploader.calls()[0])
}

func TestPayloadIsConcatenationInDeliveryOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		t.Run(fmt.Sprintf("seq%d", i), func(t *testing.T) {
			h := newHarness(0)
			var chunks [][]byte
			var want bytes.Buffer
			for j, n := 0, rng.Intn(20); j < n; j++ {
				chunk := make([]byte, rng.Intn(64))
				rng.Read(chunk)
				chunks = append(chunks, chunk)
				want.Write(chunk)
			}

			_, err := h.ctl.Start(context.Background())
			require.NoError(t, err)
			h.capturer.last().deliver(chunks...)
			require.NoError(t, h.ctl.Stop(context.Background()))

			require.Len(t, h.uploader.calls(), 1)
			assert.Equal(t, want.Bytes(), h.uploader.calls()[0])
		})
	}
}

func TestImmediateStopUploadsEmptyPayload(t *testing.T) {
	h := newHarness(0)
	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ctl.Stop(context.Background()))

	require.Len(t, h.uploader.calls(), 1)
	assert.NotNil(t, h.uploader.calls()[0])
	assert.Empty(t, h.uploader.calls()[0])
	assert.Equal(t, StateCompleted, h.ctl.State())
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(0)
	h.mic.err = fmt.Errorf("%w: user dismissed prompt", ErrPermissionDenied)

	s, err := h.ctl.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	assert.Equal(t, StateIdle, h.ctl.State(), "controller returns to idle for retry")
	assert.Empty(t, h.uploader.calls())
	assert.Empty(t, h.capturer.captures)
	assert.Equal(t, 0, h.mic.totalReleases())
	assert.Equal(t, []string{"error:Microphone access denied"}, h.sink.notifications())
	assert.Equal(t, []string{"failed", "idle"}, h.sink.states())

	// Retry works once permission is granted.
	h.mic.err = nil
	_, err = h.ctl.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRecording, h.ctl.State())
}

func TestDeviceUnavailable(t *testing.T) {
	h := newHarness(0)
	h.mic.err = ErrDeviceUnavailable

	_, err := h.ctl.Start(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, []string{"error:Microphone unavailable"}, h.sink.notifications())
}

func TestCaptureFailureReleasesMicrophone(t *testing.T) {
	h := newHarness(0)
	h.capturer.err = errors.New("encoder exploded")

	_, err := h.ctl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.mic.totalReleases())
	assert.Equal(t, StateIdle, h.ctl.State())
	assert.Empty(t, h.uploader.calls())
}

func TestUploadRejected(t *testing.T) {
	h := newHarness(0)
	h.uploader.err = fmt.Errorf("upload: %w: status 500", entries.ErrUploadFailed)

	s, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	h.capturer.last().deliver([]byte("A"))

	err = h.ctl.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, entries.ErrUploadFailed))

	assert.Equal(t, StateFailed, s.State())
	assert.Error(t, s.Err())
	assert.Equal(t, int32(0), h.refresher.calls.Load(), "entries are not refreshed after a failed upload")
	assert.Equal(t, 1, h.mic.totalReleases())
	assert.Contains(t, h.sink.notifications(), "error:Upload failed")
	assert.Len(t, h.uploader.calls(), 1, "no automatic retry")
}

func TestUploadNetworkError(t *testing.T) {
	h := newHarness(0)
	h.uploader.err = fmt.Errorf("upload: %w: dial tcp: connection refused", entries.ErrNetwork)

	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	require.Error(t, h.ctl.Stop(context.Background()))

	assert.Equal(t, StateFailed, h.ctl.State())
	assert.Contains(t, h.sink.notifications(), "error:Network error")
	assert.Equal(t, 1, h.mic.totalReleases())

	// A failed session does not block the next one.
	_, err = h.ctl.Start(context.Background())
	require.NoError(t, err)
}

func TestStopWhenNotRecordingIsNoop(t *testing.T) {
	h := newHarness(0)
	assert.ErrorIs(t, h.ctl.Stop(context.Background()), ErrNotRecording)

	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ctl.Stop(context.Background()))

	before := len(h.sink.events)
	assert.ErrorIs(t, h.ctl.Stop(context.Background()), ErrNotRecording)
	assert.Len(t, h.uploader.calls(), 1)
	assert.Len(t, h.sink.events, before, "a no-op stop publishes nothing")
	assert.Equal(t, int32(1), h.capturer.last().stops.Load())
}

func TestConcurrentStopRunsOneUpload(t *testing.T) {
	h := newHarness(0)
	h.uploader.delay = 20 * time.Millisecond

	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	h.capturer.last().deliver([]byte("X"))

	const callers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		noop      atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := h.ctl.Stop(context.Background()); {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrNotRecording):
				noop.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), noop.Load())
	assert.Len(t, h.uploader.calls(), 1)
	assert.Equal(t, 1, h.mic.totalReleases())
}

func TestSecondStartWhileRecordingDoesNotAcquireMicrophone(t *testing.T) {
	h := newHarness(0)
	first, err := h.ctl.Start(context.Background())
	require.NoError(t, err)

	second, err := h.ctl.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Nil(t, second)
	assert.Equal(t, int32(1), h.mic.requests.Load())
	assert.Same(t, first, h.ctl.Current())
}

func TestStartWhileAwaitingPermissionIsBusy(t *testing.T) {
	h := newHarness(0)
	h.mic.gate = make(chan struct{})

	started := make(chan error, 1)
	go func() {
		_, err := h.ctl.Start(context.Background())
		started <- err
	}()
	require.Eventually(t, func() bool { return h.mic.requests.Load() == 1 }, time.Second, time.Millisecond)

	_, err := h.ctl.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, h.ctl.Stop(context.Background()), ErrNotRecording)

	close(h.mic.gate)
	require.NoError(t, <-started)
	assert.Equal(t, int32(1), h.mic.requests.Load())
	assert.Equal(t, StateRecording, h.ctl.State())
}

func TestStartAfterCompletedReplacesSession(t *testing.T) {
	h := newHarness(0)
	first, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ctl.Stop(context.Background()))

	second, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Same(t, second, h.ctl.Current())
}

func TestMaxDurationAutoStops(t *testing.T) {
	h := newHarness(30 * time.Millisecond)
	s, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	h.capturer.last().deliver([]byte("hello"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not auto-stop")
	}
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, [][]byte{[]byte("hello")}, h.uploader.calls())
	assert.Equal(t, 1, h.mic.totalReleases())

	// A manual stop after the auto-stop is a no-op.
	assert.ErrorIs(t, h.ctl.Stop(context.Background()), ErrNotRecording)
}

func TestManualStopBeforeMaxDurationCancelsTimer(t *testing.T) {
	h := newHarness(50 * time.Millisecond)
	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ctl.Stop(context.Background()))

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, h.uploader.calls(), 1)
}

func TestFinalizeTimeoutReleasesMicrophone(t *testing.T) {
	h := newHarness(0)
	h.capturer.hang = true

	s, err := h.ctl.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.ctl.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, h.mic.totalReleases())
	assert.Empty(t, h.uploader.calls())
	assert.Contains(t, h.sink.notifications(), "error:Recording failed")
}

func TestAutoStopGivesUpOnHungCapture(t *testing.T) {
	h := newHarness(0)
	h.capturer.hang = true
	h.ctl = New(Config{
		Microphone:  h.mic,
		Capturer:    h.capturer,
		Uploader:    h.uploader,
		Sink:        h.sink,
		MaxDuration: 20 * time.Millisecond,
		StopTimeout: 30 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s, err := h.ctl.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session stuck in %s after auto-stop", s.State())
	}
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), context.DeadlineExceeded)
	assert.Equal(t, 1, h.mic.totalReleases())
	assert.Empty(t, h.uploader.calls())

	// The user can record again.
	h.capturer.hang = false
	_, err = h.ctl.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ctl.Stop(context.Background()))
}

func TestUploadIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(0)
	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.uploader.delay = 10 * time.Millisecond
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	// Finalization completes immediately, so the cancel lands during upload.
	require.NoError(t, h.ctl.Stop(ctx))
	assert.NoError(t, h.uploader.ctxErr)
}

func TestShutdownStopsActiveRecording(t *testing.T) {
	h := newHarness(0)
	_, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	h.capturer.last().deliver([]byte("bye"))

	require.NoError(t, h.ctl.Shutdown(context.Background()))
	assert.Equal(t, 1, h.mic.totalReleases())
	assert.Equal(t, [][]byte{[]byte("bye")}, h.uploader.calls())

	assert.NoError(t, newHarness(0).ctl.Shutdown(context.Background()), "idle shutdown is a no-op")
}

func TestShutdownWhileAwaitingPermission(t *testing.T) {
	h := newHarness(0)
	h.mic.gate = make(chan struct{})

	started := make(chan error, 1)
	go func() {
		_, err := h.ctl.Start(context.Background())
		started <- err
	}()
	require.Eventually(t, func() bool { return h.mic.requests.Load() == 1 }, time.Second, time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdown <- h.ctl.Shutdown(ctx)
	}()
	require.Eventually(t, func() bool {
		h.ctl.mu.Lock()
		defer h.ctl.mu.Unlock()
		return h.ctl.closing
	}, time.Second, time.Millisecond)
	close(h.mic.gate)

	assert.ErrorIs(t, <-started, ErrShuttingDown)
	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return once the pending start gave up")
	}
	assert.Equal(t, 1, h.mic.totalReleases())
	assert.Equal(t, StateIdle, h.ctl.State())
	assert.Empty(t, h.uploader.calls())

	_, err := h.ctl.Start(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, int32(1), h.mic.requests.Load(), "no microphone request after shutdown")
}

func TestSnapshot(t *testing.T) {
	h := newHarness(0)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := base
	h.ctl.now = func() time.Time { return clock }

	assert.Equal(t, Snapshot{State: StateIdle}, h.ctl.Snapshot())

	s, err := h.ctl.Start(context.Background())
	require.NoError(t, err)
	h.capturer.last().deliver([]byte("abc"), []byte("de"))

	clock = base.Add(1500 * time.Millisecond)
	snap := h.ctl.Snapshot()
	assert.Equal(t, s.ID(), snap.SessionID)
	assert.Equal(t, StateRecording, snap.State)
	assert.Equal(t, int64(1500), snap.ElapsedMs)
	assert.Equal(t, 2, snap.Chunks)
	assert.Equal(t, 5, snap.Bytes)
	assert.Nil(t, snap.StoppedAt)

	clock = base.Add(2 * time.Second)
	require.NoError(t, h.ctl.Stop(context.Background()))
	clock = base.Add(time.Hour)
	snap = h.ctl.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.StoppedAt)
	assert.Equal(t, int64(2000), snap.ElapsedMs)
	assert.Equal(t, 5, snap.Bytes)
}
