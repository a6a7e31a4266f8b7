// Package scheduler supervises the periodic maintenance jobs, spawning
// each due job as a child process of the same executable.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/ucti/internal/store"
)

// DefaultJobs is the static job table: job name to run interval.
var DefaultJobs = map[string]time.Duration{
	"cache-expire": time.Hour,
	"data-export":  24 * time.Hour,
	"filter-tags":  24 * time.Hour,
	"ingest":       time.Hour,
	"tag":          24 * time.Hour,
}

const (
	// chunkSize is the stdout read size while streaming a job.
	chunkSize = 8 * 1024
	// maxBuffered caps the bytes held back waiting for a newline.
	maxBuffered = 1 << 20
)

// Config configures the scheduler.
type Config struct {
	// CheckInterval is how often to evaluate the job table. Default: 1 minute.
	CheckInterval time.Duration
	// Jobs overrides the job table. Default: DefaultJobs.
	Jobs map[string]time.Duration
	// Executable is spawned as `<executable> job <name>`.
	// Default: the running executable.
	Executable string
	// LogDir receives the per-job job-<name>.log files.
	LogDir string
	// Env is the full child environment. Default: the parent's environment.
	Env []string
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.Jobs == nil {
		c.Jobs = DefaultJobs
	}
	if c.Env == nil {
		c.Env = os.Environ()
	}
}

// Scheduler runs due jobs as subprocesses. A job whose previous run is
// still going is skipped; last_run is persisted through the store so
// restarts do not replay recent jobs.
type Scheduler struct {
	store  *store.Store
	config Config
	logger *slog.Logger
	stdout io.Writer
	now    func() time.Time

	mu      sync.Mutex
	running map[string]bool
	total   int
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(st *store.Store, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	cfg.defaults()
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("scheduler: resolve executable: %w", err)
		}
		cfg.Executable = exe
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		config:  cfg,
		logger:  logger,
		stdout:  os.Stdout,
		now:     time.Now,
		running: make(map[string]bool),
	}, nil
}

// Run evaluates the job table on a ticker, once immediately and then
// every check interval, until ctx is cancelled. It returns the sum of
// the exit codes of every job run.
func (s *Scheduler) Run(ctx context.Context) int {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.runDueJobs(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.total
		case <-ticker.C:
			s.runDueJobs(ctx)
		}
	}
}

// runDueJobs starts every job whose interval has elapsed and that is
// not already running. last_run is stamped before the job starts so a
// long run does not pile up repeats.
func (s *Scheduler) runDueJobs(ctx context.Context) {
	now := s.now().UTC()

	names := make([]string, 0, len(s.config.Jobs))
	for name := range s.config.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		last, err := s.store.JobLastRun(ctx, name)
		if err != nil {
			s.logger.Error("job state read failed", "job", name, "error", err)
			continue
		}
		if now.Unix()-last < int64(s.config.Jobs[name]/time.Second) {
			continue
		}
		if !s.acquire(name) {
			continue
		}
		if err := s.store.SetJobLastRun(ctx, name, now.Unix()); err != nil {
			s.logger.Error("job state write failed", "job", name, "error", err)
			s.release(name)
			continue
		}

		s.wg.Add(1)
		go func(name string) {
			defer s.wg.Done()
			defer s.release(name)
			code := s.runJob(ctx, name)
			if code != 0 {
				s.logger.Warn("job failed", "job", name, "code", code)
			}
			s.mu.Lock()
			s.total += code
			s.mu.Unlock()
		}(name)
	}
}

func (s *Scheduler) acquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// runJob spawns one job subprocess, streams its stdout into the job
// log, appends stderr after exit, and returns the exit code.
func (s *Scheduler) runJob(ctx context.Context, name string) int {
	logPath := filepath.Join(s.config.LogDir, "job-"+name+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error("open job log failed", "job", name, "error", err)
		return 1
	}
	defer f.Close()

	cmd := exec.CommandContext(ctx, s.config.Executable, "job", name)
	cmd.Env = s.config.Env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.logLine(f, name, fmt.Sprintf("failed to pipe stdout: %v", err))
		return 1
	}

	if err := cmd.Start(); err != nil {
		s.logLine(f, name, fmt.Sprintf("failed to start: %v", err))
		return 1
	}
	s.logLine(f, name, "Starting job "+name)

	s.stream(f, name, stdout)

	code := 0
	if err := cmd.Wait(); err != nil {
		code = cmd.ProcessState.ExitCode()
		if code < 0 {
			code = 1
		}
	}
	if stderr.Len() > 0 {
		for _, line := range strings.Split(strings.TrimRight(stderr.String(), "\n"), "\n") {
			s.logLine(f, name, "[ERROR] "+line)
		}
	}
	s.logLine(f, name, fmt.Sprintf("Job %s finished with code %d", name, code))
	return code
}

// stream copies the job's stdout line by line into the log. Reads come
// in chunks; a run past maxBuffered without a newline is flushed as-is
// so a misbehaving job cannot hold the memory.
func (s *Scheduler) stream(f *os.File, name string, r io.Reader) {
	buf := make([]byte, chunkSize)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				s.logLine(f, name, string(pending[:i]))
				pending = pending[i+1:]
			}
			if len(pending) > maxBuffered {
				s.logLine(f, name, string(pending))
				pending = nil
			}
		}
		if err != nil {
			break
		}
	}
	if len(pending) > 0 {
		s.logLine(f, name, string(pending))
	}
}

// logLine writes one prefixed line to the job log and mirrors it to
// the scheduler's own stdout.
func (s *Scheduler) logLine(f *os.File, job, text string) {
	line := fmt.Sprintf("[%s] [%s] %s",
		s.now().UTC().Format(time.RFC3339), job, strings.TrimRight(text, " \t\r"))
	fmt.Fprintln(f, line)
	fmt.Fprintln(s.stdout, line)
}
