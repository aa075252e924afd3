// Package capture records from the system microphone by running an external
// recorder (arecord by default) and streaming its stdout as audio chunks.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ryan-winkler/voicediary/internal/recorder"
)

// DefaultCommand writes a CD-quality WAV stream to stdout until interrupted.
const DefaultCommand = "arecord -q -f cd -t wav -"

// DefaultChunkSize is the read size for each delivered chunk.
const DefaultChunkSize = 32 * 1024

// exitGrace is how long Release waits for the recorder to exit on its own.
const exitGrace = 3 * time.Second

// Command acquires the microphone by starting a recorder process.
// It implements recorder.Microphone and recorder.Capturer.
type Command struct {
	name      string
	args      []string
	chunkSize int
	logger    *slog.Logger
}

// New parses command (split on whitespace) and returns a Command.
// An empty command uses DefaultCommand.
func New(command string, chunkSize int, logger *slog.Logger) *Command {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		fields = strings.Fields(DefaultCommand)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Command{
		name:      fields[0],
		args:      fields[1:],
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// String returns the command line, for logs.
func (c *Command) String() string {
	return strings.TrimSpace(c.name + " " + strings.Join(c.args, " "))
}

// RequestAudioInput starts the recorder process. The process holds the
// input device until the returned stream is released.
func (c *Command) RequestAudioInput(ctx context.Context) (recorder.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(c.name, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	p := &Process{cmd: cmd, stdout: stdout, logger: c.logger, exited: make(chan struct{})}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, classify(err)
	}
	c.logger.Debug("recorder process started", "command", c.String(), "pid", cmd.Process.Pid)
	return p, nil
}

// Capture starts streaming audio from a stream returned by RequestAudioInput.
func (c *Command) Capture(stream recorder.Stream) (recorder.Capture, error) {
	p, ok := stream.(*Process)
	if !ok {
		return nil, fmt.Errorf("capture: unsupported stream %T", stream)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chunks != nil {
		return nil, errors.New("capture: stream already capturing")
	}
	p.chunks = make(chan []byte, 8)
	go p.read(c.chunkSize)
	return p, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", recorder.ErrDeviceUnavailable, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", recorder.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("start recorder: %w", err)
	}
}

// Process is a running recorder. It is both the microphone stream and the
// capture reading from it.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	logger *slog.Logger

	mu     sync.Mutex
	chunks chan []byte

	exited  chan struct{}
	waitErr error

	waitOnce    sync.Once
	stopOnce    sync.Once
	releaseOnce sync.Once
}

// read forwards stdout until EOF, then reaps the process. Wait closes the
// pipe, so it must not run before the reads are done.
func (p *Process) read(size int) {
	for {
		buf := make([]byte, size)
		n, err := p.stdout.Read(buf)
		if n > 0 {
			p.chunks <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("recorder read failed", "error", err)
			}
			break
		}
	}
	close(p.chunks)
	p.reap()
}

func (p *Process) reap() {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
}

// Chunks delivers stdout in order and closes once the recorder exits.
func (p *Process) Chunks() <-chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunks
}

// Stop interrupts the recorder so it can flush and exit.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("interrupt recorder", "error", err)
			_ = p.cmd.Process.Kill()
		}
	})
}

// Release stops the recorder and waits for it to exit, killing it if it
// does not exit within a few seconds. Only the first call has any effect.
func (p *Process) Release() error {
	var err error
	p.releaseOnce.Do(func() {
		p.Stop()
		if p.Chunks() == nil {
			// Never captured: nothing else will reap the process.
			_ = p.stdout.Close()
			go p.reap()
		}
		select {
		case <-p.exited:
		case <-time.After(exitGrace):
			p.logger.Warn("recorder did not exit, killing", "pid", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
			select {
			case <-p.exited:
			case <-time.After(exitGrace):
				err = errors.New("recorder did not exit after kill")
				return
			}
		}
		if p.waitErr != nil && !interrupted(p.waitErr) {
			err = fmt.Errorf("recorder exited: %w: %s", p.waitErr, strings.TrimSpace(p.stderr.String()))
		}
	})
	return err
}

// interrupted reports whether the recorder ended because of our SIGINT.
func interrupted(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == -1 {
		return true // killed by a signal
	}
	return exitErr.ExitCode() == 130 || exitErr.ExitCode() == 1
}
