package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Squadt/internal/model"
	"github.com/CZERTAINLY/Squadt/internal/project"
)

// All is the target updating every final processor of the project
const All = "**"

var ErrUnknownTarget = errors.New("unknown update target")

// Result describes one finished update
type Result struct {
	Target  string
	Started time.Time
	Stopped time.Time
	Updated []project.ProcessorID
	Err     error
}

type Supervisor struct {
	project   *project.Manager
	oneshot   bool
	scheduler gocron.Scheduler
	start     chan string
	results   chan Result
	wg        sync.WaitGroup

	metrics     *metrics
	metricsAddr string
	registry    *prometheus.Registry
}

// NewSupervisor keeps m up to date. In manual mode Do performs a single
// update of all targets, in timer mode updates are also triggered by the
// schedule of svc.
func NewSupervisor(ctx context.Context, svc model.Service, m *project.Manager) (*Supervisor, error) {
	supervisor := &Supervisor{
		project:  m,
		oneshot:  svc.Mode != model.ServiceModeTimer,
		start:    make(chan string, 1),
		results:  make(chan Result, 1),
		metrics:  newMetrics(),
		registry: prometheus.NewRegistry(),
	}
	if svc.Mode == model.ServiceModeTimer {
		var err error
		supervisor.scheduler, err = newScheduler(ctx, svc.Schedule, func() { supervisor.Start(All) })
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	if err := supervisor.metrics.register(supervisor.registry); err != nil {
		return nil, err
	}
	m.OnStatusChange(func(project.ProcessorID) {
		supervisor.metrics.statusChanges.Inc()
	})
	return supervisor, nil
}

// Registry returns the registry exported by the metrics endpoint, callers
// add their own collectors like the executor metrics
func (s *Supervisor) Registry() *prometheus.Registry {
	return s.registry
}

// WithMetrics makes Do serve the registry on addr under /metrics
func (s *Supervisor) WithMetrics(addr string) *Supervisor {
	s.metricsAddr = addr
	return s
}

// Start asks for an update of target, All or the id of a processor. A start
// is dropped when another one is still waiting to be picked up.
func (s *Supervisor) Start(target string) {
	select {
	case s.start <- target:
	default:
		slog.Debug("update already pending: ignoring start", "target", target)
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers (targets received on s.start), each update runs in its own goroutine.
//  2. Update results (from s.results), failures are logged.
//  3. Context cancellation, which terminates the loop.
//
// In oneshot (manual) mode an update of All is triggered on entry and its
// error is returned. Otherwise the loop runs until ctx is cancelled.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if s.metricsAddr != "" {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return s.loop(gctx)
	})
	return g.Wait()
}

func (s *Supervisor) loop(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer s.wg.Wait()

	if s.oneshot {
		s.Start(All)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case target := <-s.start:
			s.wg.Go(func() {
				r := s.update(ctx, target)
				select {
				case s.results <- r:
				case <-ctx.Done():
				}
			})
		case result := <-s.results:
			if !s.oneshot && errors.Is(result.Err, project.ErrUpdateRunning) {
				slog.DebugContext(ctx, "update still running: skipping", "target", result.Target)
				continue
			}
			s.metrics.observe(result)
			if result.Err != nil {
				if s.oneshot {
					return result.Err
				}
				slog.ErrorContext(ctx, "update have failed", "target", result.Target, "error", result.Err)
				continue
			}
			slog.InfoContext(ctx, "update finished", "target", result.Target, "updated", len(result.Updated),
				"duration", result.Stopped.Sub(result.Started).String())
			if s.oneshot {
				return nil
			}
		}
	}
}

func (s *Supervisor) update(ctx context.Context, target string) Result {
	r := Result{Target: target, Started: time.Now()}
	var mx sync.Mutex
	handler := func(p *project.Processor) {
		slog.InfoContext(ctx, "updating", "processor", p.ID(), "tool", p.Tool())
		mx.Lock()
		r.Updated = append(r.Updated, p.ID())
		mx.Unlock()
	}

	if target == All {
		r.Err = s.project.Update(ctx, handler)
	} else if p, ok := s.processor(target); ok {
		r.Err = s.project.UpdateProcessor(ctx, p, handler)
	} else {
		r.Err = fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	if len(r.Updated) > 0 {
		if err := s.project.Store(); err != nil {
			r.Err = errors.Join(r.Err, fmt.Errorf("storing project: %w", err))
		}
	}
	r.Stopped = time.Now()
	return r
}

func (s *Supervisor) processor(target string) (*project.Processor, bool) {
	id, err := strconv.ParseUint(target, 10, 64)
	if err != nil {
		return nil, false
	}
	return s.project.Processor(project.ProcessorID(id))
}

func (s *Supervisor) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.metricsAddr,
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.InfoContext(ctx, "serving metrics", "address", s.metricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		interval, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	case cfg.Duration != "":
		d, err := model.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
