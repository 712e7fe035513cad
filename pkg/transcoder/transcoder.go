/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transcoder runs ffmpeg as a subprocess that turns a camera stream
// into a sequence of JPEG preview frames.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

const (
	defaultFFmpeg         = "ffmpeg"
	defaultFPS            = 2
	defaultSilenceTimeout = 10 * time.Second
	defaultMaxFrameBytes  = 4 << 20
	stderrTailLines       = 20
)

var (
	// ErrSilent means the process stopped producing frames.
	ErrSilent = errors.New("transcoder produced no frames")
	// ErrExited means the process ended before or after producing frames.
	ErrExited = errors.New("transcoder exited")
)

// Config controls the ffmpeg invocation.
type Config struct {
	FFmpegPath     string          `json:"ffmpeg_path"`
	FPS            int             `json:"fps"`
	SilenceTimeout models.Duration `json:"silence_timeout"`
	MaxFrameBytes  int             `json:"max_frame_bytes"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = defaultFFmpeg
	}

	if c.FPS <= 0 {
		c.FPS = defaultFPS
	}

	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = models.Duration(defaultSilenceTimeout)
	}

	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}

	return c
}

// Args builds the ffmpeg command line for a low-latency MJPEG pipe.
func Args(sourceURL string, fps int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "+genpts+discardcorrupt+nobuffer",
		"-flags", "low_delay",
		"-rtsp_transport", "tcp",
		"-timeout", "5000000",
		"-analyzeduration", "500000",
		"-probesize", "500000",
		"-i", sourceURL,
		"-an",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "7",
		"-r", strconv.Itoa(fps),
		"pipe:1",
	}
}

// RelayArgs builds the command line that copies the video of an RTSP
// source into an RTMP target such as a relay's live application.
func RelayArgs(sourceURL, targetURL string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", sourceURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		targetURL,
	}
}

// FrameSink receives each JPEG frame. The slice is owned by the sink.
type FrameSink func(frame []byte)

// Runner starts transcoder processes.
type Runner struct {
	config Config
	logger logger.Logger
	// Env is appended to the process environment.
	Env []string
	// args and relayArgs build command lines; replaced in tests.
	args      func(sourceURL string, fps int) []string
	relayArgs func(sourceURL, targetURL string) []string
}

func NewRunner(cfg Config, log logger.Logger) *Runner {
	return &Runner{
		config:    cfg.WithDefaults(),
		logger:    log,
		args:      Args,
		relayArgs: RelayArgs,
	}
}

// Process is one running transcoder.
type Process struct {
	cmd       *exec.Cmd
	logger    logger.Logger
	silence   time.Duration
	started   time.Time
	lastFrame atomic.Int64
	frames    atomic.Int64

	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	err    error
	stderr []string
}

// Start launches ffmpeg for sourceURL and streams frames into sink until
// the process exits, goes silent, or ctx ends.
func (r *Runner) Start(ctx context.Context, sourceURL string, sink FrameSink) (*Process, error) {
	return r.launch(ctx, r.args(sourceURL, r.config.FPS), sink, r.config.SilenceTimeout.Std())
}

// Relay pushes sourceURL to targetURL until the process exits or ctx ends.
// A relay produces no frames locally, so only exit and ctx stop it.
func (r *Runner) Relay(ctx context.Context, sourceURL, targetURL string) (*Process, error) {
	return r.launch(ctx, r.relayArgs(sourceURL, targetURL), nil, 0)
}

// Available reports whether the configured ffmpeg binary can be found.
func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.config.FFmpegPath)
	return err == nil
}

func (r *Runner) launch(ctx context.Context, args []string, sink FrameSink, silence time.Duration) (*Process, error) {
	cmd := exec.Command(r.config.FFmpegPath, args...) //nolint:gosec // path from config
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.config.FFmpegPath, err)
	}

	p := &Process{
		cmd:     cmd,
		logger:  r.logger,
		silence: silence,
		started: time.Now(),
		first:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	p.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Transcoder started")

	var pipes sync.WaitGroup

	pipes.Add(2)

	go func() {
		defer pipes.Done()
		p.readFrames(stdout, sink, r.config.MaxFrameBytes)
	}()

	go func() {
		defer pipes.Done()
		p.readStderr(stderr)
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)

	go p.watchdog(watchCtx)

	go func() {
		pipes.Wait()

		waitErr := cmd.Wait()

		p.finish(waitErr)
		stopWatch()
	}()

	return p, nil
}

func (p *Process) readFrames(r io.Reader, sink FrameSink, maxFrame int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrame)
	sc.Split(SplitJPEG)

	for sc.Scan() {
		frame := bytes.Clone(sc.Bytes())

		p.lastFrame.Store(time.Now().UnixNano())
		p.frames.Add(1)
		p.firstOnce.Do(func() { close(p.first) })

		if sink != nil {
			sink(frame)
		}
	}

	if err := sc.Err(); err != nil {
		p.logger.Debug().Err(err).Msg("Transcoder frame stream ended")
		p.setErr(err)
		_ = p.Stop()
	}
}

func (p *Process) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		p.mu.Lock()
		p.stderr = append(p.stderr, line)
		if len(p.stderr) > stderrTailLines {
			p.stderr = p.stderr[len(p.stderr)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}

// watchdog terminates the process when no frame arrives for the silence
// timeout, measured from start until the first frame. A zero timeout only
// ties the process to ctx.
func (p *Process) watchdog(ctx context.Context) {
	if p.silence <= 0 {
		<-ctx.Done()

		if !p.exited() {
			p.setErr(ctx.Err())
			_ = p.Stop()
		}

		return
	}

	tick := max(p.silence/4, 10*time.Millisecond)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if !p.exited() {
				p.setErr(ctx.Err())
				_ = p.Stop()
			}

			return
		case <-ticker.C:
			last := p.started
			if ns := p.lastFrame.Load(); ns != 0 {
				last = time.Unix(0, ns)
			}

			if time.Since(last) > p.silence {
				p.logger.Warn().Dur("silence", p.silence).Int64("frames", p.frames.Load()).
					Msg("Transcoder went silent, terminating")
				p.setErr(models.NewValidationError(models.ReasonTimeout, ErrSilent))
				_ = p.Stop()

				return
			}
		}
	}
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) setErr(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *Process) finish(waitErr error) {
	p.mu.Lock()
	if p.err == nil {
		reason := ClassifyStderr(p.stderr)
		switch {
		case reason != "":
			p.err = models.NewValidationError(reason, fmt.Errorf("%w: %s", ErrExited, strings.Join(p.stderr, "; ")))
		case waitErr != nil:
			p.err = models.NewValidationError(models.ReasonUnreachable, fmt.Errorf("%w: %w", ErrExited, waitErr))
		default:
			p.err = ErrExited
		}
	}
	p.mu.Unlock()

	close(p.done)
}

// Done is closed after the process has exited and its pipes drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Frames reports how many frames were produced.
func (p *Process) Frames() int64 { return p.frames.Load() }

// LastFrame reports when the most recent frame arrived.
func (p *Process) LastFrame() time.Time {
	if ns := p.lastFrame.Load(); ns != 0 {
		return time.Unix(0, ns)
	}

	return time.Time{}
}

// Err is the reason the process ended; nil while running.
func (p *Process) Err() error {
	if !p.exited() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.err
}

// FirstFrame blocks until a frame arrives, the process ends, or ctx ends.
func (p *Process) FirstFrame(ctx context.Context) error {
	select {
	case <-p.first:
		return nil
	case <-p.done:
		select {
		case <-p.first:
			return nil
		default:
		}

		return p.Err()
	case <-ctx.Done():
		return models.NewValidationError(models.ReasonTimeout, ctx.Err())
	}
}

// Stop kills the process and any children it spawned.
func (p *Process) Stop() error {
	if p.cmd.Process == nil || p.exited() {
		return nil
	}

	killTree(int32(p.cmd.Process.Pid)) //nolint:gosec // pid fits in int32

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	return nil
}

// killTree kills descendants first so nothing is reparented and left running.
func killTree(pid int32) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return
	}

	children, err := proc.Children()
	if err == nil {
		for _, child := range children {
			killTree(child.Pid)
		}
	}

	_ = proc.Kill()
}

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images delimited
// by SOI (FFD8) and EOI (FFD9). Bytes before an SOI are skipped.
func SplitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}

		// Keep a trailing 0xFF in case it begins the next SOI.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}

		return len(data), nil, nil
	}

	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}

		return start, nil, nil
	}

	stop := start + 2 + end + 2

	return stop, data[start:stop], nil
}

// ClassifyStderr maps ffmpeg error output to a validation reason.
func ClassifyStderr(lines []string) models.ValidationReason {
	text := strings.ToLower(strings.Join(lines, "\n"))

	switch {
	case strings.Contains(text, "401") || strings.Contains(text, "unauthorized") ||
		strings.Contains(text, "authentication") || strings.Contains(text, "403 forbidden"):
		return models.ReasonAuthRejected
	case strings.Contains(text, "404") || strings.Contains(text, "not found"):
		return models.ReasonNotFound
	case strings.Contains(text, "timed out") || strings.Contains(text, "timeout"):
		return models.ReasonTimeout
	case strings.Contains(text, "connection refused") || strings.Contains(text, "no route to host") ||
		strings.Contains(text, "network is unreachable"):
		return models.ReasonUnreachable
	case strings.Contains(text, "invalid data") || strings.Contains(text, "could not find codec") ||
		strings.Contains(text, "unsupported codec"):
		return models.ReasonUnsupportedCodec
	default:
		return ""
	}
}
