package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/careertrack/internal/authmw"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

// Config holds the careertrack server settings, following the common
// cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL    string
	DBMaxConns     int
	DBSlowQueryMS  int
	DBLogQueryArgs bool

	SlackWebhookURL string
	AdvisorTokens   string

	DueSoonDays          int
	StaleDays            int
	SweepIntervalSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum pooled PostgreSQL connections (0 = pgx default, max 200)")
	fs.IntVar(&c.DBSlowQueryMS, "db-slow-query-ms", 0, "log only queries slower than this many milliseconds; failures always log (0 = log all)")
	fs.BoolVar(&c.DBLogQueryArgs, "db-log-query-args", false, "include bind arguments in query logs (contains student data)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for transition and digest notifications")
	fs.StringVar(&c.AdvisorTokens, "advisor-tokens", "", "comma-separated advisor bearer tokens as name:token (empty = API auth disabled)")
	fs.IntVar(&c.DueSoonDays, "due-soon-days", 3, "days before a next-step date that counts as due soon (1..60)")
	fs.IntVar(&c.StaleDays, "stale-days", 14, "days without an update before an active application is stale (1..365)")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 300, "seconds between triage sweeps (0 disables, otherwise 10..86400)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Database pool tuning
	if c.DBMaxConns < 0 || c.DBMaxConns > 200 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..200)", c.DBMaxConns))
	}
	if c.DBSlowQueryMS < 0 || c.DBSlowQueryMS > 60000 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be 0..60000)", c.DBSlowQueryMS))
	}

	// Slack webhook must be an absolute http(s) URL when set
	if c.SlackWebhookURL != "" {
		u, err := url.Parse(c.SlackWebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an absolute http(s) URL"))
		}
	}

	if _, err := authmw.ParseTokens(c.AdvisorTokens); err != nil {
		errs = append(errs, fmt.Errorf("invalid ADVISOR_TOKENS: %w", err))
	}

	// Triage windows
	if c.DueSoonDays <= 0 || c.DueSoonDays > 60 {
		errs = append(errs, fmt.Errorf("invalid DUE_SOON_DAYS %d (must be 1..60)", c.DueSoonDays))
	}
	if c.StaleDays <= 0 || c.StaleDays > 365 {
		errs = append(errs, fmt.Errorf("invalid STALE_DAYS %d (must be 1..365)", c.StaleDays))
	}

	// Sweeper interval, 0 disables the sweeper
	if c.SweepIntervalSeconds < 0 || (c.SweepIntervalSeconds > 0 && c.SweepIntervalSeconds < 10) || c.SweepIntervalSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be 0 or 10..86400)", c.SweepIntervalSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// TriageConfig returns the classifier windows.
func (c *Config) TriageConfig() triage.Config {
	return triage.Config{
		DueSoonWindow: time.Duration(c.DueSoonDays) * 24 * time.Hour,
		StaleAfter:    time.Duration(c.StaleDays) * 24 * time.Hour,
	}
}

// Tokens returns the parsed advisor tokens. Call after Validate.
func (c *Config) Tokens() []authmw.Token {
	tokens, _ := authmw.ParseTokens(c.AdvisorTokens)
	return tokens
}

// SweepInterval is the sweeper period, 0 when disabled.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SlowQuery is the query log threshold.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.DBSlowQueryMS) * time.Millisecond
}
