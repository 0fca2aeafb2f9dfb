// Package worker serves upscale requests: it bounds concurrency, keeps observer leases
// and job history, and publishes job lifecycle to the event bus and metrics.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/semaphore"

	"github.com/smazurov/upscaler/internal/events"
	"github.com/smazurov/upscaler/internal/metrics"
	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/rpc"
	"github.com/smazurov/upscaler/internal/supervisor"
	"github.com/smazurov/upscaler/internal/upscale"
	"github.com/smazurov/upscaler/internal/waifu2x"
)

const (
	defaultMaxConcurrent = 1
	defaultObserverLease = 30 * time.Second
	defaultHistorySize   = 50
)

// Config configures a Service.
type Config struct {
	ID            string        `toml:"id"`
	MaxConcurrent int64         `toml:"max_concurrent"`
	ObserverLease time.Duration `toml:"observer_lease"`
	HistorySize   int           `toml:"history_size"`
}

// Service is the worker side of rpc.Service.
type Service struct {
	id       string
	limit    int64
	sup      *supervisor.Supervisor
	registry *progress.Registry
	leases   *ttlcache.Cache[string, struct{}]
	sem      *semaphore.Weighted
	jobs     *JobTracker
	bus      *events.Bus
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ rpc.Service = (*Service)(nil)

// New builds the worker service and its supervisor. bus may be nil.
func New(cfg Config, supCfg supervisor.Config, bus *events.Bus, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ObserverLease <= 0 {
		cfg.ObserverLease = defaultObserverLease
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		id:       cfg.ID,
		limit:    cfg.MaxConcurrent,
		registry: progress.NewRegistry(logger.With("component", "registry")),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		jobs:     NewJobTracker(cfg.HistorySize),
		bus:      bus,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.registry.OnChange(s.observerChanged)
	s.leases = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.ObserverLease),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	s.leases.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		if s.registry.Unregister(item.Key()) {
			s.logger.Info("Progress observer lease expired", "observer_id", item.Key())
		}
	})

	notifier := progress.Fanout{s.registry, progress.NotifierFunc(s.recordProgress)}
	sup, err := supervisor.New(supCfg, notifier, supervisor.Hooks{
		OnStart:  s.jobStarted,
		OnFinish: s.jobFinished,
	}, logger.With("component", "supervisor"))
	if err != nil {
		cancel()
		return nil, err
	}
	s.sup = sup

	go s.leases.Start()
	return s, nil
}

// Supervisor returns the underlying supervisor.
func (s *Service) Supervisor() *supervisor.Supervisor {
	return s.sup
}

// Jobs returns the job history.
func (s *Service) Jobs() *JobTracker {
	return s.jobs
}

// Observers returns the registered observer ids.
func (s *Service) Observers() []string {
	return s.registry.IDs()
}

// Status is a point-in-time view of the worker.
type Status struct {
	ID            string          `json:"id" example:"worker-1" doc:"Worker identifier"`
	ActiveJobs    int             `json:"active_jobs" doc:"Queued and running jobs"`
	MaxConcurrent int64           `json:"max_concurrent" example:"1" doc:"Jobs allowed to run at once"`
	Observers     []string        `json:"observers" doc:"Registered progress observer ids"`
	Options       waifu2x.Options `json:"options" doc:"Tool options applied to new jobs"`
}

// Status returns the current worker status.
func (s *Service) Status() Status {
	return Status{
		ID:            s.id,
		ActiveJobs:    s.jobs.Active(),
		MaxConcurrent: s.limit,
		Observers:     s.registry.IDs(),
		Options:       s.sup.Options(),
	}
}

// ListJobs returns the job history, newest first.
func (s *Service) ListJobs() []JobRecord {
	return s.jobs.List()
}

// GetJob returns one job from the history.
func (s *Service) GetJob(id string) (JobRecord, bool) {
	return s.jobs.Get(id)
}

// UpscaleImage queues req. Jobs run under the service lifetime, not ctx: a client giving
// up on a request does not stop the tool.
func (s *Service) UpscaleImage(_ context.Context, req upscale.Request, reply rpc.ReplyFunc) error {
	if s.ctx.Err() != nil {
		return upscale.NewError(upscale.KindTransportUnavailable, "worker shutting down", nil)
	}

	job := s.sup.NewJob(req)
	s.jobs.Queued(job)
	s.logger.Debug("Upscale queued", "job_id", job.ID, "active", s.jobs.Active())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			uerr := upscale.NewError(upscale.KindTransportUnavailable, "worker shutting down", err)
			s.jobs.Finished(job.ID, supervisor.Outcome{ExitCode: -1, Err: uerr}, time.Now())
			reply(rpc.Reply{JobID: job.ID, Err: uerr})
			return
		}
		defer s.sem.Release(1)

		job.StartedAt = time.Now()
		s.sup.Execute(s.ctx, job, func(err error) {
			reply(rpc.Reply{JobID: job.ID, Err: err})
		})
	}()
	return nil
}

// AddProgressObserver registers cb under id and starts its lease.
func (s *Service) AddProgressObserver(_ context.Context, id string, cb progress.Callback) error {
	if id == "" {
		return errors.New("observer id is required")
	}
	if cb == nil {
		return errors.New("observer callback is required")
	}
	s.registry.Register(id, cb)
	s.leases.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// RemoveProgressObserver unregisters id.
func (s *Service) RemoveProgressObserver(_ context.Context, id string) error {
	s.leases.Delete(id)
	s.registry.Unregister(id)
	return nil
}

// Ping reports worker status and renews the lease of observer id.
func (s *Service) Ping(_ context.Context, id string) (rpc.PingResult, error) {
	registered := id != "" && s.registry.Has(id)
	if registered {
		s.leases.Set(id, struct{}{}, ttlcache.DefaultTTL)
	}
	return rpc.PingResult{
		WorkerID:   s.id,
		Registered: registered,
		ActiveJobs: s.jobs.Active(),
		Observers:  s.registry.Len(),
	}, nil
}

// Close stops accepting work, interrupts running jobs and waits for their replies.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.leases.Stop()
	})
}

func (s *Service) recordProgress(ev progress.Event) {
	s.jobs.Progress(ev.JobID, ev.Percentage)
	metrics.RecordProgress(ev.JobID, ev.Percentage)
	s.publish(events.JobProgressEvent{
		JobID:      ev.JobID,
		Percentage: ev.Percentage,
		Message:    ev.RawMessage,
		Timestamp:  ev.Timestamp.Format(time.RFC3339Nano),
	})
}

func (s *Service) jobStarted(job supervisor.Job) {
	s.jobs.Started(job.ID, job.StartedAt)
	metrics.JobStarted()
	s.publish(events.JobStartedEvent{
		JobID:      job.ID,
		InputPath:  job.Request.InputPath,
		OutputPath: job.Request.OutputPath,
		Scale:      job.Request.Scale,
		Timestamp:  job.StartedAt.Format(time.RFC3339),
	})
}

func (s *Service) jobFinished(job supervisor.Job, outcome supervisor.Outcome) {
	now := time.Now()
	s.jobs.Finished(job.ID, outcome, now)

	result := "success"
	ev := events.JobFinishedEvent{
		JobID:      job.ID,
		Success:    outcome.Err == nil,
		ExitCode:   outcome.ExitCode,
		DurationMs: outcome.Elapsed.Milliseconds(),
		Timestamp:  now.Format(time.RFC3339),
	}
	if outcome.Err != nil {
		result = string(upscale.KindOf(outcome.Err))
		ev.ErrorKind = result
		ev.Error = outcome.Err.Error()
	}
	metrics.JobFinished(job.ID, strconv.Itoa(job.Request.Scale), result, outcome.Elapsed)
	s.publish(ev)
}

func (s *Service) observerChanged(id string, registered bool, count int) {
	metrics.SetObservers(count)
	s.publish(events.ObserverChangedEvent{
		ObserverID: id,
		Registered: registered,
		Count:      count,
		Timestamp:  time.Now().Format(time.RFC3339),
	})
}

func (s *Service) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
