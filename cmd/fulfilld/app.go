package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/agents"
	"github.com/goliatone/go-fulfillment/cron"
	"github.com/goliatone/go-fulfillment/flow"
	"github.com/goliatone/go-fulfillment/policy"
	"github.com/goliatone/go-fulfillment/runner"
	"github.com/goliatone/go-fulfillment/sandbox"
	"github.com/goliatone/go-fulfillment/store"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
)

// app is the wired process: stores, collaborators, engine and retry dispatcher.
type app struct {
	logger     glogLogger
	policies   *policy.Store
	db         *sql.DB
	local      *flow.SQLiteStore
	pool       *pgxpool.Pool
	redis      *redis.Client
	dao        flow.DAO
	kv         flow.KV
	engine     *flow.Engine
	dispatcher *flow.RetryDispatcher
	scheduler  *cron.Scheduler
}

// newApp wires every component. timers enables in-process wake timers for long-running serve.
func newApp(ctx context.Context, g *Globals, timers bool) (_ *app, err error) {
	a := &app{logger: newLogger(os.Stderr, g.LogLevel)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var source policy.Source
	if g.PolicyFile != "" {
		source = policy.FileSource(g.PolicyFile)
	}
	if a.policies, err = policy.NewStore(ctx, source); err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	a.policies.OnChange(func(prev, next *policy.Snapshot) {
		from := ""
		if prev != nil {
			from = prev.Version
		}
		a.logger.Info("policy version %s -> %s", from, next.Version)
	})

	if a.db, err = sql.Open("sqlite3", sqliteDSN(g.SQLitePath)); err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	a.local = flow.NewSQLiteStore(a.db, "fulfillment")

	var catalog *store.Catalog
	if g.Catalog != "" {
		if catalog, err = store.LoadCatalog(g.Catalog); err != nil {
			return nil, err
		}
	}

	var (
		eventLog flow.EventLog    = a.local
		actions  flow.ActionStore = a.local
	)
	if g.DatabaseURL != "" {
		if a.pool, err = store.Connect(ctx, g.DatabaseURL); err != nil {
			return nil, err
		}
		if err = store.Migrate(ctx, a.pool); err != nil {
			return nil, err
		}
		pg := store.NewPostgresDAO(a.pool)
		if err = pg.SeedCatalog(ctx, catalog); err != nil {
			return nil, err
		}
		a.dao = pg
		eventLog = store.NewPostgresEventLog(a.pool)
		actions = store.NewPostgresActionStore(a.pool)
	} else {
		mem := store.NewMemoryDAO()
		catalog.Seed(mem)
		a.dao = mem
	}

	if g.RedisURL != "" {
		if a.redis, err = store.OpenRedis(ctx, g.RedisURL); err != nil {
			return nil, err
		}
		a.kv = flow.NewRedisKV(store.NewRedisAdapter(a.redis), "fulfillment")
	} else {
		a.kv = flow.NewInMemoryKV(nil)
	}

	deps := agents.Deps{
		DAO:        a.dao,
		Actions:    flow.NewActionGateway(actions, a.local, flow.WithActionLogger(a.logger)),
		Payments:   sandbox.NewPayments(),
		Messenger:  sandbox.NewMessenger(),
		Shipper:    sandbox.NewShipper(),
		Renderer:   sandbox.NewRenderer(),
		Translator: sandbox.NewTranslator(nil),
		KV:         a.kv,
		Logger:     a.logger,
	}
	reg := flow.NewRegistry()
	if err = agents.Register(reg, deps); err != nil {
		return nil, err
	}

	a.scheduler = cron.NewScheduler(
		cron.WithLogger(a.logger),
		cron.WithErrorHandler(func(err error) { a.logger.Error("scheduled job failed: %v", err) }),
	)
	opts := []flow.EngineOption{
		flow.WithEngineLogger(a.logger),
		flow.WithDeduplicator(flow.NewDeduplicator(a.kv,
			flow.WithFailOpen(func() bool { return a.policies.Get().DedupeFailOpen() }),
			flow.WithDedupLogger(a.logger),
		)),
	}
	if timers {
		opts = append(opts, flow.WithWakeScheduler(a.scheduler))
	}
	if a.engine, err = flow.NewEngine(reg, eventLog, a.policies, opts...); err != nil {
		return nil, err
	}

	retry := a.policies.Get().Retry
	a.dispatcher = flow.NewRetryDispatcher(a.local, actions,
		flow.WithRetryWorkerID(workerID()),
		flow.WithRetryLogger(a.logger),
		flow.WithRetryMaxAttempts(retry.MaxAttempts),
		flow.WithRetryBatch(retry.BatchSize, retry.LeaseTTL),
		flow.WithRetryBackoff(runner.ExponentialBackoffStrategy{
			Base:   retry.Backoff.Base,
			Factor: retry.Backoff.Factor,
			Max:    retry.Backoff.Max,
		}),
	)
	if err = agents.RegisterRetryHandlers(a.dispatcher, deps); err != nil {
		return nil, err
	}
	return a, nil
}

// cronJob is one recurring task of the serve command. Each tick is delivered as a command.
type cronJob struct {
	name string
	expr string
	cmd  fulfillment.Commander[time.Time]
}

func (a *app) cronJobs(wakeEvery, retryEvery, policyEvery string) []cronJob {
	return []cronJob{
		{name: "wake", expr: wakeEvery, cmd: fulfillment.CommandFunc[time.Time](a.wake)},
		{name: "retry", expr: retryEvery, cmd: fulfillment.CommandFunc[time.Time](a.drain)},
		{name: "policy", expr: policyEvery, cmd: fulfillment.CommandFunc[time.Time](a.reloadPolicy)},
	}
}

func (a *app) wake(ctx context.Context, tick time.Time) error {
	n, err := a.engine.WakeDue(ctx)
	if n > 0 {
		a.logger.Debug("woke %d pipeline(s) at %s", n, tick.Format(time.RFC3339))
	}
	return err
}

func (a *app) drain(ctx context.Context, tick time.Time) error {
	report, err := a.dispatcher.RunOnce(ctx)
	if err != nil {
		return err
	}
	if report.Claimed > 0 {
		a.logger.Info("retry cycle claimed=%d at %s", report.Claimed, tick.Format(time.RFC3339))
	}
	return nil
}

// reloadPolicy keeps the active snapshot when the file fails validation and reports why.
func (a *app) reloadPolicy(ctx context.Context, _ time.Time) error {
	if err := a.policies.Reload(ctx); err != nil {
		return fmt.Errorf("policy reload rejected, keeping %s: %w", a.policies.Get().Version, err)
	}
	return nil
}

func (a *app) Close() {
	if a == nil {
		return
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func sqliteDSN(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "fulfillment.db"
	}
	if strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fulfilld"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
