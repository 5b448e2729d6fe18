// Careertrack tracks student job and internship applications through a
// hiring pipeline and surfaces the ones that need advisor attention.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/careertrack/internal/advisorapi"
	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/application/memstore"
	"github.com/linnemanlabs/careertrack/internal/application/pgstore"
	"github.com/linnemanlabs/careertrack/internal/authmw"
	vc "github.com/linnemanlabs/careertrack/internal/cfg"
	"github.com/linnemanlabs/careertrack/internal/notify/slack"
	"github.com/linnemanlabs/careertrack/internal/postgres"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

const appName = "careertrack"
const component = "server"

const maxRequestBody = 64 << 10

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

// configs groups the flag-backed settings of every package the server wires.
type configs struct {
	app    vc.Config
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config
}

func (c *configs) register(fs *flag.FlagSet) {
	c.app.RegisterFlags(fs)
	c.http.RegisterFlags(fs)
	c.httpmw.RegisterFlags(fs)
	c.log.RegisterFlags(fs)
	c.ops.RegisterFlags(fs)
	c.prof.RegisterFlags(fs)
	c.trace.RegisterFlags(fs)
}

func (c *configs) validate() error {
	if err := errors.Join(
		c.app.Validate(),
		c.http.Validate(),
		c.httpmw.Validate(),
		c.log.Validate(),
		c.ops.Validate(),
		c.prof.Validate(),
		c.trace.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.app.APIPort == c.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", c.app.APIPort)
	}
	return nil
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var c configs
	c.register(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// command line wins, CAREERTRACK_* env only fills flags left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	cfg.FillFromEnv(flag.CommandLine, "CAREERTRACK_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := c.validate(); err != nil {
		return err
	}

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", c.app.APIPort,
		"admin_port", c.ops.Port,
		"enable_pprof", c.ops.EnablePprof,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.trace.EnableTracing,
		"trace_sample", c.trace.TraceSample,
		"otlp_endpoint", c.trace.OTLPEndpoint,
		"trusted_proxy_hops", c.httpmw.TrustedProxyHops,
		"database", c.app.DatabaseURL != "",
		"due_soon_days", c.app.DueSoonDays,
		"stale_days", c.app.StaleDays,
		"sweep_interval_seconds", c.app.SweepIntervalSeconds,
	)

	// profiling starts before anything else so the whole lifetime is captured
	profOpts := c.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()
	profiling := profErr == nil && c.prof.EnablePyroscope

	traceOpts := c.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// tag spans with profile ids so traces link to flame graphs
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	store, closeStore, err := openStore(ctx, L, &c.app, m.Registry())
	if err != nil {
		return err
	}
	defer closeStore()

	classifier, err := triage.NewClassifier(c.app.TriageConfig())
	if err != nil {
		return fmt.Errorf("triage classifier: %w", err)
	}
	triageMetrics := triage.NewMetrics(m.Registry())
	appMetrics := application.NewMetrics(m.Registry())

	// keep the interfaces nil when Slack is off; a typed nil would be called
	var (
		notifier       application.Notifier
		digestNotifier application.DigestNotifier
	)
	if c.app.SlackWebhookURL != "" {
		sn := slack.New(c.app.SlackWebhookURL, L)
		notifier, digestNotifier = sn, sn
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	appSvc := application.NewService(store, classifier, L, appMetrics, notifier)

	stopSweeper := func(context.Context) error { return nil }
	if interval := c.app.SweepInterval(); interval > 0 {
		sweeper := application.NewSweeper(appSvc, interval, triageMetrics, digestNotifier, L)
		stopSweeper = startBackground(ctx, sweeper.Run)
		L.Info(ctx, "triage sweeper started", "interval", interval.String())
	} else {
		L.Info(ctx, "triage sweeper disabled")
	}

	// readiness fails once the gate closes so the load balancer drains us
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	// ops listener serves metrics, health and pprof to internal monitoring only
	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	var apiMW []func(http.Handler) http.Handler
	if tokens := c.app.Tokens(); len(tokens) > 0 {
		apiMW = append(apiMW, authmw.BearerTokens(tokens))
		L.Info(ctx, "advisor auth enabled", "advisors", len(tokens))
	} else {
		L.Warn(ctx, "advisor auth disabled, no advisor-tokens configured")
	}
	advisorapi.New(L, appSvc).RegisterRoutes(r, apiMW...)

	apiOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	h := wrapAPI(r, L, func(next http.Handler) http.Handler { return m.Middleware(next) }, c.httpmw)
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", c.app.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// systemd kills us on its own timeout if it was actually waiting
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")
	shutdownGate.Set("draining")
	drain(bg, L, time.Duration(c.app.DrainSeconds)*time.Second)

	shutdown(bg, L, time.Duration(c.app.ShutdownBudgetSeconds)*time.Second, []stopStep{
		{"api http server", apiHTTPStop},
		{"triage sweeper", stopSweeper},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	})
	stopProf()

	L.Info(bg, "shutdown complete")
	return nil
}

// openStore picks pgstore when a database URL is configured, memstore
// otherwise. The returned close func is always non-nil.
func openStore(ctx context.Context, L log.Logger, app *vc.Config, reg prometheus.Registerer) (application.Store, func(), error) {
	if app.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolOptions{
		URL:       app.DatabaseURL,
		MaxConns:  int32(app.DBMaxConns), //nolint:gosec // G115: bounded to 0..200 by Validate
		SlowQuery: app.SlowQuery(),
		LogArgs:   app.DBLogQueryArgs,
		Metrics:   postgres.NewMetrics(reg),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	store, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store")
	return store, pool.Close, nil
}

// wrapAPI applies the outer middleware stack. Wrapping is inside out: the
// last wrapper sees the raw request first and the response last.
func wrapAPI(r http.Handler, L log.Logger, metricsMW func(http.Handler) http.Handler, mwCfg httpmw.Config) http.Handler {
	h := httpmw.WithLogger(L)(r)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// renamed to the chi route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = metricsMW(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: mwCfg.TrustedProxyHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// drain waits out the drain period so in-flight requests finish and the
// load balancer sees the failing readiness probe. A second signal cuts it short.
func drain(ctx context.Context, L log.Logger, d time.Duration) {
	L.Info(ctx, "sleeping for drain period", "drain_seconds", int(d.Seconds()))
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)

	select {
	case <-time.After(d):
		L.Info(ctx, "drain period complete")
	case <-forceCh:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

type stopStep struct {
	name string
	fn   func(context.Context) error
}

// shutdown runs each step in order with an equal slice of budget.
func shutdown(ctx context.Context, L log.Logger, budget time.Duration, steps []stopStep) {
	if len(steps) == 0 {
		return
	}
	perStep := budget / time.Duration(len(steps))
	shutdownCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, s := range steps {
		sctx, scancel := context.WithTimeout(shutdownCtx, perStep)
		if err := s.fn(sctx); err != nil {
			L.Error(ctx, err, s.name+" shutdown")
		}
		scancel()
	}
}

// startBackground runs fn in a goroutine under a child of ctx. The returned
// stop cancels it and waits for fn to return or for the stop ctx to expire.
func startBackground(ctx context.Context, fn func(context.Context)) func(context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(runCtx)
	}()
	return func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func notifySystemd() error {
	// NOTIFY_SOCKET is set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr comes from systemd, net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
