package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/runner"

	rcron "github.com/robfig/cron/v3"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Scheduler runs recurring cron jobs and one-shot timers. One-shot timers may be keyed so
// that scheduling again under the same key replaces the pending timer.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	now          func() time.Time

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	nextID  int64
	handles map[int64]*jobHandle
	keyed   map[string]*jobHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		now:      time.Now,
		errorHandler: func(err error) {
			log.Printf("cron error: %v\n", err)
		},
		handles: make(map[int64]*jobHandle),
		keyed:   make(map[string]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron schedules a recurring handler by cron expression.
func (s *Scheduler) ScheduleCron(opts fulfillment.HandlerConfig, handler any) (Handle, error) {
	if strings.TrimSpace(opts.Expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.buildRunnable(opts, handler)
	if err != nil {
		return nil, err
	}

	h := s.newHandle("")
	job := rcron.FuncJob(func() {
		if h.Status().Terminal() {
			return
		}
		h.set(ScheduleStatusRunning, nil)
		if err := run(context.Background()); err != nil {
			h.set(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.set(ScheduleStatusIdle, nil)
	})

	entryID, err := s.cron.AddJob(opts.Expression, job)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	h.entryID = int(entryID)
	s.store(h)
	return h, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, opts fulfillment.HandlerConfig, handler any) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(s.now().Add(delay), opts, handler)
}

// ScheduleAt schedules one execution at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, opts fulfillment.HandlerConfig, handler any) (Handle, error) {
	return s.ScheduleAtKey("", at, opts, handler)
}

// ScheduleAtKey schedules one execution at a specific time. A pending timer with the same
// non-empty key is canceled first.
func (s *Scheduler) ScheduleAtKey(key string, at time.Time, opts fulfillment.HandlerConfig, handler any) (Handle, error) {
	run, err := s.buildRunnable(opts, handler)
	if err != nil {
		return nil, err
	}

	key = strings.TrimSpace(key)
	if key != "" {
		s.mu.Lock()
		prev := s.keyed[key]
		s.mu.Unlock()
		if prev != nil {
			prev.Cancel()
		}
	}

	h := s.newHandle(key)
	s.store(h)

	go func() {
		wait := at.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.Done():
			return
		}

		if h.Status().Terminal() {
			return
		}
		h.set(ScheduleStatusRunning, nil)
		err := run(context.Background())
		s.release(h)
		if err != nil {
			h.finish(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.finish(ScheduleStatusCompleted, nil)
	}()

	return h, nil
}

// Pending returns the number of live handles.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts cron jobs and marks live handles as stopped.
func (s *Scheduler) Stop(_ context.Context) error {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	handles := make([]*jobHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*jobHandle)
	s.keyed = make(map[string]*jobHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.finish(ScheduleStatusStopped, nil)
	}
	return nil
}

func (s *Scheduler) release(h *jobHandle) {
	if s == nil || h == nil {
		return
	}
	s.mu.Lock()
	delete(s.handles, h.id)
	if h.key != "" && s.keyed[h.key] == h {
		delete(s.keyed, h.key)
	}
	s.mu.Unlock()
	if h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) store(h *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
	if h.key != "" {
		s.keyed[h.key] = h
	}
}

func (s *Scheduler) newHandle(key string) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextID,
		key:       key,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) buildRunnable(opts fulfillment.HandlerConfig, handler any) (func(context.Context) error, error) {
	h := runner.NewHandler(makeRunnerOptions(s, opts)...)

	var fn func(context.Context) error
	switch r := handler.(type) {
	case nil:
		return nil, fmt.Errorf("handler cannot be nil")
	case func():
		fn = func(context.Context) error {
			r()
			return nil
		}
	case func() error:
		fn = func(context.Context) error { return r() }
	case func(context.Context) error:
		fn = r
	case fulfillment.CommandFunc[time.Time]:
		fn = func(ctx context.Context) error { return r(ctx, s.now()) }
	case fulfillment.Commander[time.Time]:
		fn = func(ctx context.Context) error { return r.Execute(ctx, s.now()) }
	default:
		return nil, fmt.Errorf("unsupported handler type: %T", handler)
	}
	recoverJob := func(ctx context.Context) (err error) {
		defer fulfillment.CapturePanic("cron.job", &err)
		return fn(ctx)
	}
	return func(ctx context.Context) error {
		return h.Run(ctx, recoverJob)
	}, nil
}

func makeRunnerOptions(s *Scheduler, opts fulfillment.HandlerConfig) []runner.Option {
	runnerOpts := []runner.Option{
		runner.WithMaxRetries(opts.MaxRetries),
		runner.WithDeadline(opts.Deadline),
		runner.WithRunOnce(opts.RunOnce),
		runner.WithErrorHandler(s.errorHandler),
		runner.WithLogger(s.logger),
	}
	if opts.NoTimeout {
		runnerOpts = append(runnerOpts, runner.WithNoTimeout())
	} else if opts.Timeout > 0 {
		runnerOpts = append(runnerOpts, runner.WithTimeout(opts.Timeout))
	}
	if opts.MaxRuns > 0 {
		runnerOpts = append(runnerOpts, runner.WithMaxRuns(opts.MaxRuns))
	}
	return runnerOpts
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(stdLogger)
	}
	return rcron.PrintfLogger(stdLogger)
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 4)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	opts = append(opts, rcron.WithChain(
		rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
	))

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	case s.logLevel > LogLevelSilent:
		cronLogger = makeLogger(os.Stdout, s.logLevel)
	}
	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}
	return opts
}
