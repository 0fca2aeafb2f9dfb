// Package supervisor runs one external upscaler process per request and reports the result.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/smazurov/upscaler/internal/process"
	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/upscale"
	"github.com/smazurov/upscaler/internal/waifu2x"
)

const (
	defaultDiagnosticLimit = 64 * 1024
	defaultGracefulTimeout = 5 * time.Second
)

// ReplyFunc receives the terminal result of a request: nil on success, an *upscale.Error otherwise.
type ReplyFunc func(err error)

// Job identifies one accepted request.
type Job struct {
	ID        string
	Request   upscale.Request
	StartedAt time.Time
}

// Outcome is the terminal result of a job.
type Outcome struct {
	ExitCode int // -1 when the tool never ran
	Err      error
	Elapsed  time.Duration
}

// Hooks observe job lifecycle. Both are optional and run on the job goroutine.
type Hooks struct {
	OnStart  func(Job)
	OnFinish func(Job, Outcome)
}

// Config configures a Supervisor.
type Config struct {
	ResourceRoot    string
	Executable      string // relative to ResourceRoot unless absolute
	Options         waifu2x.Options
	DiagnosticLimit int
	GracefulTimeout time.Duration
}

// Supervisor validates requests, launches the tool and replies exactly once per request.
type Supervisor struct {
	resourceRoot    string
	executable      string
	diagnosticLimit int
	gracefulTimeout time.Duration

	optsMu sync.RWMutex
	opts   waifu2x.Options

	notifier progress.Notifier
	hooks    Hooks
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a supervisor. notifier receives progress events for every job.
func New(cfg Config, notifier progress.Notifier, hooks Hooks, logger *slog.Logger) (*Supervisor, error) {
	opts := cfg.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid waifu2x options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		resourceRoot:    cfg.ResourceRoot,
		executable:      cfg.Executable,
		diagnosticLimit: cfg.DiagnosticLimit,
		gracefulTimeout: cfg.GracefulTimeout,
		opts:            opts,
		notifier:        notifier,
		hooks:           hooks,
		logger:          logger,
		now:             time.Now,
	}
	if s.diagnosticLimit <= 0 {
		s.diagnosticLimit = defaultDiagnosticLimit
	}
	if s.gracefulTimeout <= 0 {
		s.gracefulTimeout = defaultGracefulTimeout
	}
	return s, nil
}

// Options returns the tool options applied to new jobs.
func (s *Supervisor) Options() waifu2x.Options {
	s.optsMu.RLock()
	defer s.optsMu.RUnlock()
	return s.opts
}

// SetOptions replaces the tool options for jobs started afterwards.
func (s *Supervisor) SetOptions(opts waifu2x.Options) error {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return err
	}
	s.optsMu.Lock()
	s.opts = opts
	s.optsMu.Unlock()
	s.logger.Info("Upscaler options updated", "noise", opts.NoiseLevel, "tile", opts.TileSize, "gpu", opts.GPU, "tta", opts.TTA)
	return nil
}

// Check locates the tool and its models without running anything.
func (s *Supervisor) Check() (*waifu2x.Resources, error) {
	return locateResources(s.resourceRoot, s.executable, s.Options().ModelDir)
}

// NewJob assigns an id and start time to req.
func (s *Supervisor) NewJob(req upscale.Request) Job {
	return Job{ID: ulid.Make().String(), Request: req, StartedAt: s.now()}
}

// Upscale starts a job in the background and returns its id. reply is called exactly once.
func (s *Supervisor) Upscale(ctx context.Context, req upscale.Request, reply ReplyFunc) string {
	job := s.NewJob(req)
	go s.Execute(ctx, job, reply)
	return job.ID
}

// Run executes a job and blocks until it finishes.
func (s *Supervisor) Run(ctx context.Context, req upscale.Request) error {
	done := make(chan error, 1)
	s.Execute(ctx, s.NewJob(req), func(err error) {
		done <- err
	})
	return <-done
}

// Execute runs job on the calling goroutine. reply is called exactly once, panics included.
func (s *Supervisor) Execute(ctx context.Context, job Job, reply ReplyFunc) {
	logger := s.logger.With("job_id", job.ID)
	exitCode := -1

	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			outcome := Outcome{ExitCode: exitCode, Err: err, Elapsed: s.now().Sub(job.StartedAt)}
			if s.hooks.OnFinish != nil {
				s.hooks.OnFinish(job, outcome)
			}
			if reply != nil {
				reply(err)
			}
		})
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "panic", r)
			finish(upscale.NewError(upscale.KindUnknown, fmt.Sprintf("internal error: %v", r), nil))
			return
		}
		finish(upscale.NewError(upscale.KindUnknown, "job ended without a result", nil))
	}()

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(job)
	}

	logger.Info("Upscale requested", "input", job.Request.InputPath, "output", job.Request.OutputPath, "scale", job.Request.Scale)
	exitCode, err := s.runJob(ctx, job, logger)
	if err != nil {
		logger.Warn("Upscale failed", "kind", upscale.KindOf(err), "error", err)
	} else {
		logger.Info("Upscale finished", "output", job.Request.OutputPath)
	}
	finish(err)
}

// runJob performs preflight, runs the tool and checks the output. It returns the exit code
// (-1 if the tool never ran) and the terminal error.
func (s *Supervisor) runJob(ctx context.Context, job Job, logger *slog.Logger) (int, error) {
	req := job.Request
	if err := req.Validate(); err != nil {
		return -1, err
	}

	req, err := resolvePaths(req)
	if err != nil {
		return -1, err
	}
	if err := checkInput(req.InputPath); err != nil {
		return -1, err
	}
	if err := prepareOutputDir(req.OutputPath); err != nil {
		return -1, err
	}
	if err := removeStaleOutput(req.OutputPath); err != nil {
		logger.Warn("Failed to remove stale output", "path", req.OutputPath, "error", err)
	}

	opts := s.Options()
	res, err := locateResources(s.resourceRoot, s.executable, opts.ModelDir)
	if err != nil {
		return -1, err
	}
	if err := res.EnsureExecutable(); err != nil {
		logger.Warn("Failed to set execute permission", "path", res.Executable, "error", err)
	}
	s.logResources(logger, res)

	args := append([]string{res.Executable}, waifu2x.BuildArgs(waifu2x.Params{
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		Scale:      req.Scale,
		Options:    opts,
	})...)

	diagnostic := newTailBuffer(s.diagnosticLimit)
	proc := process.New(job.ID, args, logger)
	proc.SetDir(res.Root)
	proc.SetTimeouts(s.gracefulTimeout, s.gracefulTimeout)
	proc.SetLogParser(logger.With("source", "waifu2x"), waifu2x.ParseLogLevel)
	proc.SetOutputHandler(&jobOutput{
		jobID:      job.ID,
		notifier:   s.notifier,
		diagnostic: diagnostic,
		now:        s.now,
	})

	exitCode, err := proc.Run(ctx)
	if err != nil {
		var startErr *process.StartError
		if errors.As(err, &startErr) {
			return -1, upscale.NewError(upscale.KindLaunchFailed, "failed to launch upscaler", err)
		}
		procErr := upscale.NewProcessError(exitCode, diagnostic.String())
		procErr.Message = "upscaler interrupted"
		procErr.Cause = err
		return exitCode, procErr
	}

	if exitCode != 0 {
		return exitCode, upscale.NewProcessError(exitCode, diagnostic.String())
	}
	return exitCode, upscale.VerifyOutput(req.OutputPath)
}

func (s *Supervisor) logResources(logger *slog.Logger, res *waifu2x.Resources) {
	entries, err := os.ReadDir(res.Root)
	if err != nil {
		logger.Debug("Failed to list resource directory", "path", res.Root, "error", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	logger.Debug("Resource directory", "path", res.Root, "entries", names, "models", len(res.ModelFiles))
}
