package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"

	"go.uber.org/zap"
)

const (
	defaultChunkSize = 32 << 10
	waitDelay        = 3 * time.Second
)

// ErrKilled is reported by a process that ended because Kill was called.
var ErrKilled = errors.New("transcoder killed")

// Config controls the ffmpeg command line.
type Config struct {
	Path         string
	Quality      int
	VideoBitrate string
	Scale        string
	ChunkSize    int
}

// FFmpeg converts upstream streams into MPEG-TS/MPEG-1 on stdout.
type FFmpeg struct {
	cfg    Config
	binary string
	logger *zap.SugaredLogger
}

// New resolves the ffmpeg binary. A missing binary is not an error; Available
// reports it and Start refuses to run.
func New(cfg Config, logger *zap.SugaredLogger) *FFmpeg {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	binary, err := exec.LookPath(cfg.Path)
	if err != nil {
		logger.Warnw("ffmpeg not found, video relay disabled", "path", cfg.Path, "error", err)
		binary = ""
	} else {
		logger.Infow("ffmpeg found", "path", binary)
	}
	return &FFmpeg{cfg: cfg, binary: binary, logger: logger}
}

func (f *FFmpeg) Available() bool {
	return f.binary != ""
}

// Args builds the command line for one input.
func (f *FFmpeg) Args(input domain.StreamInfo) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	if input.Container == domain.ContainerRTSP {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", "10000000",
			"-rw_timeout", "10000000",
		)
	} else {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "10",
			"-rw_timeout", "10000000",
		)
	}
	args = append(args, "-i", input.URL)

	args = append(args,
		"-an",
		"-f", "mpegts",
		"-codec:v", "mpeg1video",
		"-pix_fmt", "yuv420p",
		"-bf", "0",
		"-r", "25",
		"-g", "50",
		"-q:v", strconv.Itoa(f.cfg.Quality),
	)
	if f.cfg.VideoBitrate != "" {
		args = append(args, "-b:v", f.cfg.VideoBitrate)
	}
	if f.cfg.Scale != "" {
		args = append(args, "-vf", "scale="+f.cfg.Scale)
	}
	return append(args, "pipe:1")
}

// Start spawns ffmpeg for spec and pumps its stdout into onChunk.
func (f *FFmpeg) Start(ctx context.Context, spec ports.TranscodeSpec, onChunk func([]byte)) (ports.Process, error) {
	if !f.Available() {
		return nil, domain.ErrTranscoderUnavailable
	}
	return startCommand(ctx, f.binary, f.Args(spec.Input), f.cfg.ChunkSize, onChunk,
		f.logger.With("guid", spec.Channel, "stream_id", spec.StreamID, "container", string(spec.Input.Container)))
}

type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	killed bool
	err    error
}

func startCommand(
	ctx context.Context,
	binary string,
	args []string,
	chunkSize int,
	onChunk func([]byte),
	logger *zap.SugaredLogger,
) (*process, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, binary, args...)
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}
	logger.Debugw("transcoder started", "pid", cmd.Process.Pid)

	p := &process{cmd: cmd, cancel: cancel, done: make(chan struct{})}

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debugw("transcoder stderr", "line", scanner.Text())
		}
	}()

	go func() {
		defer close(p.done)
		readErr := pump(stdout, chunkSize, onChunk)
		stderrDone.Wait()
		waitErr := cmd.Wait()
		cancel()
		p.finish(readErr, waitErr)
	}()

	return p, nil
}

func pump(r io.Reader, chunkSize int, onChunk func([]byte)) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (p *process) finish(readErr, waitErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.killed:
		p.err = ErrKilled
	case waitErr != nil:
		p.err = fmt.Errorf("transcoder exited: %w", waitErr)
	case readErr != nil:
		p.err = fmt.Errorf("reading transcoder output: %w", readErr)
	}
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill terminates the process. It is safe to call more than once.
func (p *process) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.cancel()
}
