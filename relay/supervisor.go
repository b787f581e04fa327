package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultKillGrace is how long a SIGTERMed relay may run before SIGKILL.
const DefaultKillGrace = 5 * time.Second

const metricTimeout = 5 * time.Second

var (
	bitratePattern  = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	progressPattern = regexp.MustCompile(`^[a-z_0-9]+=`)
)

// MetricSink receives the bitrate readings parsed from relay output.
type MetricSink interface {
	AppendMetric(ctx context.Context, id string, bitrate int) error
}

// StopOutcome is what Stop observed right after signalling a process.
type StopOutcome int

const (
	StopAlreadyExited StopOutcome = iota
	StopStillRunning
	StopStatusFailed
)

func (o StopOutcome) String() string {
	switch o {
	case StopAlreadyExited:
		return "already_exited"
	case StopStillRunning:
		return "still_running"
	case StopStatusFailed:
		return "status_failed"
	default:
		return "unknown"
	}
}

// Process is a running relay subprocess. Only the Supervisor signals it.
type Process struct {
	SourceID  string
	StartedAt time.Time

	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

// Pid returns the operating system process id, or 0.
func (p *Process) Pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Poll reports whether the process has exited without blocking.
func (p *Process) Poll() (bool, error) {
	if p == nil || p.exited == nil {
		return false, ErrNoProcess
	}
	select {
	case <-p.exited:
		return true, nil
	default:
		return false, nil
	}
}

// ExitErr returns the wait error of an exited process.
func (p *Process) ExitErr() error {
	if exited, _ := p.Poll(); !exited {
		return nil
	}
	return p.waitErr
}

// Args builds the ffmpeg argument list for a copy relay from src to dst.
func Args(src, dst string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-progress", "pipe:2",
		"-i", src,
		"-c", "copy",
		"-f", "flv",
		dst,
	}
}

// ParseBitrate extracts a kbit/s reading from one line of ffmpeg output,
// rounded to the nearest integer.
func ParseBitrate(line string) (int, bool) {
	m := bitratePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(math.Round(v)), true
}

// SupervisorOptions configure NewSupervisor.
type SupervisorOptions struct {
	FFmpegPath string
	KillGrace  time.Duration
	Sink       MetricSink
	Logger     zerolog.Logger
}

// Supervisor starts and stops ffmpeg relay processes.
type Supervisor struct {
	ffmpegPath string
	killGrace  time.Duration
	sink       MetricSink
	log        zerolog.Logger

	execCommand func(name string, arg ...string) *exec.Cmd
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &Supervisor{
		ffmpegPath:  opts.FFmpegPath,
		killGrace:   opts.KillGrace,
		sink:        opts.Sink,
		log:         opts.Logger,
		execCommand: exec.Command,
	}
}

// Start launches a relay for rec in its own process group and begins
// collecting bitrate metrics from its stderr.
func (s *Supervisor) Start(rec Record) (*Process, error) {
	cmd := s.execCommand(s.ffmpegPath, Args(rec.SourceURL, rec.DestinationURL)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{SourceID: rec.SourceID, Err: err}
	}
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, &SpawnError{SourceID: rec.SourceID, Err: err}
	}
	// The child holds its own copy of the write end.
	_ = w.Close()

	p := &Process{
		SourceID:  rec.SourceID,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		exited:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	go s.scanOutput(rec.SourceID, r)

	s.log.Info().
		Str("source_id", rec.SourceID).
		Int("pid", p.Pid()).
		Str("src", rec.SourceURL).
		Str("dst", rec.DestinationURL).
		Msg("relay started")
	return p, nil
}

// scanOutput reads ffmpeg's stderr until EOF, recording one metric per
// bitrate line.
func (s *Supervisor) scanOutput(id string, r io.ReadCloser) {
	defer r.Close()

	log := s.log.With().Str("source_id", id).Logger()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if bitrate, ok := ParseBitrate(line); ok {
			s.recordMetric(log, id, bitrate)
			continue
		}
		if progressPattern.MatchString(line) {
			continue
		}
		log.Warn().Str("line", line).Msg("ffmpeg")
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Debug().Err(err).Msg("relay output reader stopped")
	}
}

func (s *Supervisor) recordMetric(log zerolog.Logger, id string, bitrate int) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricTimeout)
	defer cancel()
	if err := s.sink.AppendMetric(ctx, id, bitrate); err != nil {
		log.Warn().Err(err).Int("bitrate", bitrate).Msg("failed to record bitrate")
	}
}

// Stop sends SIGTERM to the relay's process group and checks its status
// without waiting. A process that has already been reaped is never
// signalled, since its pid may belong to someone else by now. A process
// still alive after the kill grace is sent SIGKILL in the background.
func (s *Supervisor) Stop(p *Process) StopOutcome {
	log := s.log.With().Str("source_id", p.SourceID).Int("pid", p.Pid()).Logger()

	switch exited, err := p.Poll(); {
	case err != nil:
		log.Error().Err(err).Msg("relay status check failed")
		return StopStatusFailed
	case exited:
		log.Info().Msg("relay already exited")
		return StopAlreadyExited
	}

	if err := signalGroup(p, syscall.SIGTERM); err != nil {
		log.Warn().Err(err).Msg("failed to signal relay")
	}

	if exited, _ := p.Poll(); exited {
		log.Info().Msg("relay exited on signal")
		return StopAlreadyExited
	}

	log.Info().Msg("relay signalled, still running")
	go s.killAfterGrace(p)
	return StopStillRunning
}

func (s *Supervisor) killAfterGrace(p *Process) {
	t := time.NewTimer(s.killGrace)
	defer t.Stop()
	select {
	case <-p.exited:
	case <-t.C:
		if err := signalGroup(p, syscall.SIGKILL); err != nil {
			s.log.Warn().Err(err).Str("source_id", p.SourceID).Msg("failed to kill relay")
			return
		}
		s.log.Warn().Str("source_id", p.SourceID).Dur("grace", s.killGrace).Msg("relay killed after grace period")
	}
}

func signalGroup(p *Process, sig syscall.Signal) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return ErrNoProcess
	}
	// Relays are started with Setpgid, so the group id is the pid.
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}
