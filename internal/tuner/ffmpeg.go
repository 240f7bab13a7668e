package tuner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Transcoder turns a playback URL into a raw MPEG-TS byte stream.
// Closing the returned reader stops the underlying process.
type Transcoder interface {
	Start(ctx context.Context, playbackURL string) (io.ReadCloser, error)
}

type FFmpeg struct {
	path     string
	logLevel string
	logger   zerolog.Logger
}

func NewFFmpeg(path, logLevel string, logger zerolog.Logger) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		path:     path,
		logLevel: normalizeLogLevel(logLevel),
		logger:   logger.With().Str("component", "ffmpeg").Logger(),
	}
}

func normalizeLogLevel(raw string) string {
	switch level := strings.ToLower(strings.TrimSpace(raw)); level {
	case "info", "debug", "warning":
		return level
	default:
		return "error"
	}
}

func (f *FFmpeg) args(playbackURL string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", f.logLevel,
		"-i", playbackURL,
		"-map", "0",
		"-c", "copy",
		"-f", "mpegts",
		"pipe:1",
	}
}

func (f *FFmpeg) Start(ctx context.Context, playbackURL string) (io.ReadCloser, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, f.path, f.args(playbackURL)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &process{cmd: cmd, stdout: stdout, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		f.forward(stderr)
	}()
	return p, nil
}

// forward relays diagnostic lines at the configured severity.
func (f *FFmpeg) forward(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event *zerolog.Event
		switch f.logLevel {
		case "info":
			event = f.logger.Info()
		case "debug":
			event = f.logger.Debug()
		case "warning":
			event = f.logger.Warn()
		default:
			event = f.logger.Error()
		}
		event.Msg(line)
	}
}

type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (p *process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *process) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.done
		p.err = p.cmd.Wait()
	})
	return p.err
}
