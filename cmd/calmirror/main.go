package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calmirror/internal/caldav"
	"github.com/macjediwizard/calmirror/internal/config"
	"github.com/macjediwizard/calmirror/internal/db"
	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/notify"
	"github.com/macjediwizard/calmirror/internal/planner"
	"github.com/macjediwizard/calmirror/internal/scheduler"
	"github.com/macjediwizard/calmirror/internal/syncer"
	"github.com/macjediwizard/calmirror/internal/validator"
	"github.com/macjediwizard/calmirror/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

const usage = `usage: calmirror <command> [flags]

commands:
  serve        run the HTTP API and the sync schedule
  sync         run one sync pass and exit
  collections  list remote collections and whether they are synced
  query        print normalized events without touching the mirror
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "sync":
		err = runSync(args)
	case "collections":
		err = listCollections()
	case "query":
		err = query(args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		appLog.Error("command failed", err, "command", cmd)
		os.Exit(1)
	}
}

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	db       *db.DB
	engine   *syncer.Engine
	notifier *notify.Notifier
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(ctx); err != nil {
		return nil, err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	fields, err := cfg.Mirror.Mapping.Fields.Resolve()
	if err != nil {
		database.Close()
		return nil, err
	}
	table, err := database.MirrorTable(cfg.Mirror.Table, fields.Columns())
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open mirror table: %w", err)
	}
	if err := table.EnsureIndex(fields.CollectionURL, fields.URL); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to index mirror table: %w", err)
	}

	client, err := caldav.NewClient(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password,
		caldav.WithTimeout(cfg.CalDAV.Timeout),
		caldav.WithRateLimit(cfg.CalDAV.RPS, cfg.CalDAV.Burst),
	)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}

	v := validator.New()
	notifier := notify.New(&cfg.Alerts, v.HTTPClient())
	if notifier.IsEnabled() {
		appLog.Info("error action enabled", "action", string(cfg.Alerts.Action), "cooldown", cfg.Alerts.CooldownPeriod.String())
	}

	engine, err := syncer.New(syncer.Options{
		Source:      client,
		States:      database,
		Mirror:      table,
		Fields:      fields,
		Include:     cfg.Mirror.Mapping.Includes,
		Hook:        notifier,
		Concurrency: cfg.Sync.Concurrency,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	return &app{cfg: cfg, db: database, engine: engine, notifier: notifier}, nil
}

func (a *app) close() {
	a.notifier.Wait()
	if err := a.db.Close(); err != nil {
		appLog.Error("error closing database", err)
	}
}

func serve() error {
	ctx := context.Background()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := validator.New().ValidateCalDAVEndpoint(ctx, a.cfg.CalDAV.URL); err != nil {
		appLog.Error("CalDAV endpoint check failed, continuing", err)
	}

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	sched, err := scheduler.New(a.engine, a.db, a.cfg.Sync.Schedule, a.cfg.Sync.Timeout)
	if err != nil {
		return err
	}

	handlers := web.NewHandlers(a.engine, sched, a.db)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	web.SetupRoutes(router, handlers, web.RouteConfig{
		Username: a.cfg.API.Username,
		Password: a.cfg.API.Password,
		RPS:      a.cfg.RateLimiting.RPS,
		Burst:    a.cfg.RateLimiting.Burst,
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		appLog.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		sched.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	appLog.Info("shutting down server")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Error("server forced to shutdown", err)
	}

	appLog.Info("server stopped")
	return nil
}

// filterFlags registers the pass filter flags on fs.
func filterFlags(fs *flag.FlagSet) func() (planner.Filter, error) {
	url := fs.String("url", "", "only this resource URL")
	calendar := fs.String("calendar", "", "only this collection URL")
	start := fs.String("start", "", "only events starting after (RFC 3339 or YYYY-MM-DD)")
	end := fs.String("end", "", "only events starting before (RFC 3339 or YYYY-MM-DD)")

	return func() (planner.Filter, error) {
		f := planner.Filter{ResourceURL: *url, CollectionURL: *calendar}
		tr, err := planner.ParseTimeRange(*start, *end)
		if err != nil {
			return f, err
		}
		f.TimeRange = tr
		return f, nil
	}
}

func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	filter := filterFlags(fs)
	_ = fs.Parse(args)

	f, err := filter()
	if err != nil {
		return err
	}

	a, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.cfg.Sync.Timeout)
	defer cancel()

	report, err := a.engine.Run(ctx, f, "cli")
	if report != nil {
		if encErr := printJSON(report); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}
	if report.Status != db.SyncStatusSuccess {
		return fmt.Errorf("sync finished with status %s", report.Status)
	}
	return nil
}

func listCollections() error {
	a, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.cfg.CalDAV.Timeout)
	defer cancel()

	colls, err := a.engine.Collections(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYNC\tNAME\tURL")
	for _, c := range colls {
		on := "no"
		if c.Selected {
			on = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", on, c.DisplayName, c.URL)
	}
	return w.Flush()
}

func query(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	filter := filterFlags(fs)
	_ = fs.Parse(args)

	f, err := filter()
	if err != nil {
		return err
	}

	a, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.cfg.Sync.Timeout)
	defer cancel()

	events, err := a.engine.Query(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(events)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
