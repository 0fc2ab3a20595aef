package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/policy"
	"github.com/goliatone/go-fulfillment/webhook"
	"github.com/joho/godotenv"
)

// Globals are shared by every command.
type Globals struct {
	LogLevel    string            `help:"Log level." env:"LOG_LEVEL" default:"info" enum:"trace,debug,info,warn,error"`
	PolicyFile  string            `name:"policy" help:"Policy YAML file. Built-in defaults when empty." env:"FULFILLMENT_POLICY"`
	Catalog     string            `help:"Cluster and supplier catalog YAML to seed on start." env:"FULFILLMENT_CATALOG"`
	DatabaseURL string            `help:"Postgres URL for orders, the event log and action records. SQLite and memory when empty." env:"DATABASE_URL"`
	RedisURL    string            `help:"Redis URL for dedup and guard counters. In-process when empty." env:"REDIS_URL"`
	SQLitePath  string            `name:"sqlite" help:"SQLite file for the retry queue, plus the event log and action records without Postgres." env:"FULFILLMENT_SQLITE" default:"fulfillment.db"`
	Secrets     map[string]string `help:"Per-channel signing secrets (channel=secret)." env:"FULFILLMENT_SECRETS"`
}

type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Run the webhook server, wake scanner and retry drain."`
	Replay ReplayCmd `cmd:"" help:"Rebuild one pipeline from its event log."`
	Wake   WakeCmd   `cmd:"" help:"Resume every pipeline whose wake time passed."`
	Policy PolicyCmd `cmd:"" help:"Policy tools."`
	Retry  RetryCmd  `cmd:"" help:"Retry queue tools."`
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("fulfilld"),
		kong.Description("Marketplace order fulfillment pipeline."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

type ServeCmd struct {
	Addr           string        `help:"Listen address." env:"FULFILLMENT_ADDR" default:":8080"`
	SignatureSkew  time.Duration `help:"Accepted clock skew on signed requests." default:"5m"`
	RequestTimeout time.Duration `help:"Per-request timeout." default:"30s"`
	WakeEvery      string        `help:"Wake scan schedule." default:"@every 30s"`
	RetryEvery     string        `help:"Retry drain schedule." default:"@every 15s"`
	PolicyEvery    string        `help:"Policy reload schedule." default:"@every 5m"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, job := range a.cronJobs(c.WakeEvery, c.RetryEvery, c.PolicyEvery) {
		if _, err := a.scheduler.ScheduleCron(fulfillment.HandlerConfig{Expression: job.expr, Timeout: time.Minute}, job.cmd); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = a.scheduler.Stop(context.Background()) }()

	recoverPanic := fulfillment.MakePanicHandler(func(fn string, rec any, stack []byte, _ ...map[string]any) {
		a.logger.Error("panic in %s: %v\n%s", fn, rec, stack)
	})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		defer recoverPanic("policy.sighup")
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := a.reloadPolicy(ctx, time.Now()); err != nil {
					a.logger.Warn("%v", err)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr: c.Addr,
		Handler: webhook.NewServer(a.engine, a.dao,
			webhook.WithVerifier(webhook.NewVerifier(g.Secrets, c.SignatureSkew)),
			webhook.WithLogger(a.logger),
			webhook.WithRequestTimeout(c.RequestTimeout),
		).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening on %s", c.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type ReplayCmd struct {
	OrderID string `arg:"" help:"Order id."`
	Log     bool   `help:"Print the raw log entries instead of the folded state."`
}

func (c *ReplayCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := newApp(ctx, g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Log {
		entries, err := a.engine.Entries(ctx, c.OrderID)
		if err != nil {
			return err
		}
		return printJSON(entries)
	}
	st, err := a.engine.Replay(ctx, c.OrderID)
	if err != nil {
		return err
	}
	return printJSON(st)
}

type WakeCmd struct{}

func (c *WakeCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := newApp(ctx, g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	n, err := a.engine.WakeDue(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("resumed %d pipeline(s)\n", n)
	return nil
}

type PolicyCmd struct {
	Validate PolicyValidateCmd `cmd:"" help:"Parse and validate a policy file."`
}

type PolicyValidateCmd struct {
	File string `arg:"" type:"existingfile" help:"Policy YAML file."`
}

func (c *PolicyValidateCmd) Run(_ *Globals) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	snap, err := policy.Parse(data)
	if err != nil {
		return err
	}
	fmt.Printf("policy %s ok\n", snap.Version)
	return nil
}

type RetryCmd struct {
	Drain RetryDrainCmd `cmd:"" help:"Run queued actions until the queue is idle."`
	Dead  RetryDeadCmd  `cmd:"" help:"List dead-lettered actions."`
}

type RetryDrainCmd struct {
	MaxCycles int `help:"Upper bound on dispatcher cycles." default:"10"`
}

func (c *RetryDrainCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := newApp(ctx, g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	for i := 0; i < c.MaxCycles; i++ {
		report, err := a.dispatcher.RunOnce(ctx)
		if err != nil {
			return err
		}
		if report.Claimed == 0 {
			return nil
		}
		for _, res := range report.Results {
			fmt.Printf("%s\t%s\t%s\tattempt=%d\t%s\n", res.ID, res.OrderID, res.Outcome, res.Attempt, res.Error)
		}
	}
	return nil
}

type RetryDeadCmd struct {
	Limit int `help:"Maximum entries to list." default:"50"`
}

func (c *RetryDeadCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := newApp(ctx, g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	dead, err := a.local.ListDead(ctx, c.Limit)
	if err != nil {
		return err
	}
	return printJSON(dead)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
