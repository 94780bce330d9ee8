package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/mail"
	"net/url"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	DBSlowQueryMS         int
	PersistTimeoutMS      int
	FlushIntervalSeconds  int
	SlackWebhookURL       string
	NotifyMinScore        int
	BootstrapAdminEmail   string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token the gateway presents on every API call")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBSlowQueryMS, "db-slow-query-ms", 200, "log successful queries only when slower than this many milliseconds, 0 logs all (0..60000)")
	fs.IntVar(&c.PersistTimeoutMS, "persist-timeout-ms", 2000, "timeout for a single durable write in milliseconds (1..60000)")
	fs.IntVar(&c.FlushIntervalSeconds, "outbox-flush-seconds", 30, "seconds between retries of parked durable writes (1..3600)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for high-priority notifications")
	fs.IntVar(&c.NotifyMinScore, "notify-min-score", 80, "minimum priority score that triggers a Slack notification (0..100)")
	fs.StringVar(&c.BootstrapAdminEmail, "bootstrap-admin-email", "", "create this admin account at startup when it does not exist yet")
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

	// Identity headers are only trusted behind the gateway token
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.DBSlowQueryMS < 0 || c.DBSlowQueryMS > 60000 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be 0..60000)", c.DBSlowQueryMS))
	}
	if c.PersistTimeoutMS <= 0 || c.PersistTimeoutMS > 60000 {
		errs = append(errs, fmt.Errorf("invalid PERSIST_TIMEOUT_MS %d (must be 1..60000)", c.PersistTimeoutMS))
	}
	if c.FlushIntervalSeconds <= 0 || c.FlushIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_FLUSH_SECONDS %d (must be 1..3600)", c.FlushIntervalSeconds))
	}
	if c.NotifyMinScore < 0 || c.NotifyMinScore > 100 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MIN_SCORE %d (must be 0..100)", c.NotifyMinScore))
	}

	if c.SlackWebhookURL != "" {
		u, err := url.Parse(c.SlackWebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL %q (must be an absolute http(s) URL)", c.SlackWebhookURL))
		}
	}

	if c.BootstrapAdminEmail != "" {
		if _, err := mail.ParseAddress(c.BootstrapAdminEmail); err != nil {
			errs = append(errs, fmt.Errorf("invalid BOOTSTRAP_ADMIN_EMAIL %q", c.BootstrapAdminEmail))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
