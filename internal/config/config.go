// Package config loads the process configuration from the environment.
//
// The entry point calls FromEnv once, applies flag overrides, checks the
// result with Validate and passes the values down explicitly. Nothing in
// this package keeps state.
package config

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"rawgetl/internal/collector"
	"rawgetl/internal/rawg"
	"rawgetl/internal/resource"
	"rawgetl/internal/storage"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/robfig/cron/v3"
)

const redacted = "REDACTED"

// Config is the full runtime configuration.
type Config struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	MaxPages      int
	MaxEmptyPages int
	Strict        bool

	// NFC-normalise string values before loading.
	NormalizeUnicode bool

	DB            DB
	BatchSize     int
	FailurePolicy string

	RetryAttempts int
	Parallelism   int
	// Schedules holds per-kind cron expressions. Missing kinds use the
	// scheduler default.
	Schedules map[resource.Kind]string

	Metrics Metrics
	Kafka   Kafka

	LogLevel  string
	LogFormat string
}

// DB selects and locates the destination database.
type DB struct {
	Backend  string
	DSN      string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	Encrypt  string
	Params   string
	MaxConns int32
}

type Metrics struct {
	Backend        string
	JobName        string
	PushgatewayURL string
	Tags           string
}

type Kafka struct {
	Brokers string
	Topic   string
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		BaseURL:       rawg.DefaultBaseURL,
		Timeout:       30 * time.Second,
		MaxPages:      collector.DefaultMaxPages,
		MaxEmptyPages: collector.DefaultMaxEmptyPages,
		DB:            DB{Backend: "postgres", SSLMode: "disable", Encrypt: "disable"},
		BatchSize:     storage.DefaultBatchSize,
		FailurePolicy: string(storage.FailAbort),
		RetryAttempts: 3,
		Schedules:     map[resource.Kind]string{},
		Metrics:       Metrics{Backend: "none", JobName: "rawgetl"},
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// FromEnv reads the configuration through getenv (os.Getenv in production).
// Unset variables keep their defaults. Malformed numbers and durations are
// errors; semantic checks are left to Validate.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	env := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				return v, true
			}
		}
		return "", false
	}
	str := func(dst *string, keys ...string) {
		if v, ok := env(keys...); ok {
			*dst = v
		}
	}
	var errs []string
	num := func(dst *int, key string) {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(dst *bool, key string) {
		if v, ok := env(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	str(&c.APIKey, "api_key", "RAWG_API_KEY")
	str(&c.BaseURL, "RAWG_BASE_URL")
	if v, ok := env("RAWG_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("RAWG_TIMEOUT=%q: %v", v, err))
		} else {
			c.Timeout = d
		}
	}
	num(&c.MaxPages, "RAWG_MAX_PAGES")
	num(&c.MaxEmptyPages, "RAWG_MAX_EMPTY_PAGES")
	boolean(&c.Strict, "STRICT_SCHEMA")
	boolean(&c.NormalizeUnicode, "NORMALIZE_UNICODE")

	str(&c.DB.Backend, "DB_BACKEND")
	c.DB.Backend = NormalizeBackend(c.DB.Backend)
	str(&c.DB.DSN, "DB_DSN")
	str(&c.DB.Host, "DB_SERVER_NAME")
	str(&c.DB.Port, "DB_PORT")
	str(&c.DB.Name, "DB_DATABASE_NAME")
	str(&c.DB.User, "DB_USERNAME")
	if v := getenv("DB_PASSWORD"); v != "" {
		c.DB.Password = v // may contain spaces
	}
	str(&c.DB.SSLMode, "DB_SSLMODE")
	str(&c.DB.Encrypt, "DB_ENCRYPT")
	str(&c.DB.Params, "DB_PARAMS")
	var maxConns int
	num(&maxConns, "DB_MAX_CONNS")
	c.DB.MaxConns = int32(maxConns)

	num(&c.BatchSize, "BATCH_SIZE")
	str(&c.FailurePolicy, "FAILURE_POLICY")
	num(&c.RetryAttempts, "RETRY_ATTEMPTS")
	num(&c.Parallelism, "PARALLELISM")
	for _, k := range resource.Kinds() {
		if v, ok := env("SCHEDULE_" + strings.ToUpper(string(k))); ok {
			c.Schedules[k] = v
		}
	}

	str(&c.Metrics.Backend, "METRICS_BACKEND")
	c.Metrics.Backend = strings.ToLower(c.Metrics.Backend)
	str(&c.Metrics.JobName, "METRICS_JOB_NAME")
	str(&c.Metrics.PushgatewayURL, "PUSHGATEWAY_URL")
	str(&c.Metrics.Tags, "METRICS_TAGS")

	str(&c.Kafka.Brokers, "KAFKA_BROKERS")
	str(&c.Kafka.Topic, "KAFKA_TOPIC")

	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.LogFormat, "LOG_FORMAT")

	if len(errs) > 0 {
		return c, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// NormalizeBackend maps backend aliases (postgresql, pg, sqlserver, mariadb)
// and any casing onto the canonical backend names.
func NormalizeBackend(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "postgres", "postgresql", "pg":
		return "postgres"
	case "mssql", "sqlserver":
		return "mssql"
	case "mysql", "mariadb":
		return "mysql"
	default:
		return s
	}
}

// StorageConfig returns the repository configuration for storage.New.
func (c Config) StorageConfig() (storage.Config, error) {
	dsn, err := c.DB.ResolveDSN()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Kind: c.DB.Backend, DSN: dsn, MaxConns: c.DB.MaxConns}, nil
}

// ResolveDSN returns DSN when set, otherwise builds one from the component
// fields for the selected backend.
func (d DB) ResolveDSN() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	switch d.Backend {
	case "postgres":
		return buildPostgresDSN(d), nil
	case "mssql":
		return buildMSSQLDSN(d), nil
	case "mysql":
		return buildMySQLDSN(d), nil
	case "sqlite":
		return buildSQLiteDSN(d), nil
	default:
		return "", fmt.Errorf("config: unsupported db backend %q", d.Backend)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func buildPostgresDSN(d DB) string {
	u := &url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(orDefault(d.Host, "localhost"), orDefault(d.Port, "5432")),
		Path:   "/" + orDefault(d.Name, "rawg"),
	}
	q := u.Query()
	q.Set("sslmode", orDefault(d.SSLMode, "disable"))
	appendRawParams(q, d.Params)
	u.RawQuery = q.Encode()
	return u.String()
}

func buildMSSQLDSN(d DB) string {
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(orDefault(d.Host, "localhost"), orDefault(d.Port, "1433")),
	}
	q := u.Query()
	q.Set("database", orDefault(d.Name, "rawg"))
	q.Set("encrypt", orDefault(d.Encrypt, "disable"))
	appendRawParams(q, d.Params)
	u.RawQuery = q.Encode()
	return u.String()
}

func buildMySQLDSN(d DB) string {
	mc := mysqldrv.NewConfig()
	mc.User = d.User
	mc.Passwd = d.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(orDefault(d.Host, "localhost"), orDefault(d.Port, "3306"))
	mc.DBName = orDefault(d.Name, "rawg")
	mc.ParseTime = true
	if d.Params != "" {
		if parsed, err := url.ParseQuery(d.Params); err == nil {
			mc.Params = map[string]string{}
			for k, vals := range parsed {
				if len(vals) > 0 {
					mc.Params[k] = vals[len(vals)-1]
				}
			}
		}
	}
	return mc.FormatDSN()
}

// buildSQLiteDSN treats Name as the database path.
func buildSQLiteDSN(d DB) string {
	base := orDefault(d.Name, "rawg.db")
	if strings.Contains(base, ":") {
		if d.Params == "" {
			return base
		}
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + d.Params
	}
	dsn := "file:" + base
	if d.Params != "" {
		dsn += "?" + d.Params
	}
	return dsn
}

func appendRawParams(q url.Values, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	parsed, err := url.ParseQuery(raw)
	if err != nil {
		return
	}
	for k, vals := range parsed {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
}

// Redacted returns a copy with the API key and database password masked,
// including the password inside an explicit DSN. Safe to log.
func (c Config) Redacted() Config {
	out := c
	if out.APIKey != "" {
		out.APIKey = redacted
	}
	if out.DB.Password != "" {
		out.DB.Password = redacted
	}
	out.DB.DSN = redactDSN(out.DB.DSN)
	out.Schedules = make(map[resource.Kind]string, len(c.Schedules))
	for k, v := range c.Schedules {
		out.Schedules[k] = v
	}
	return out
}

// redactDSN masks the password in URL, MySQL and key=value DSNs. Everything
// else is kept verbatim.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && (u.Host != "" || u.User != nil) {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
		q := u.Query()
		masked := false
		for k := range q {
			if isSecretKey(k) {
				q[k] = []string{redacted}
				masked = true
			}
		}
		if masked {
			u.RawQuery = q.Encode()
		}
		return u.String()
	}
	if mc, err := mysqldrv.ParseDSN(dsn); err == nil && mc.Passwd != "" {
		mc.Passwd = redacted
		return mc.FormatDSN()
	}
	return redactKeyValues(dsn)
}

func isSecretKey(k string) bool {
	k = strings.ToLower(strings.TrimSpace(k))
	return k == "password" || k == "pwd"
}

// redactKeyValues handles libpq ("host=db password=x") and ADO/ODBC
// ("Server=db;Password=x") connection strings. Pairs are separated by ';'
// when the string has one, by whitespace otherwise.
func redactKeyValues(dsn string) string {
	isSep := func(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
	if strings.Contains(dsn, ";") {
		isSep = func(c byte) bool { return c == ';' }
	}
	isBlank := func(c byte) bool { return c == ' ' || c == '\t' }

	var b strings.Builder
	for i := 0; i < len(dsn); {
		if isSep(dsn[i]) {
			b.WriteByte(dsn[i])
			i++
			continue
		}
		j := i
		for j < len(dsn) && dsn[j] != '=' && !isSep(dsn[j]) {
			j++
		}
		k := j
		for k < len(dsn) && isBlank(dsn[k]) {
			k++
		}
		if k == len(dsn) || dsn[k] != '=' {
			b.WriteString(dsn[i:j])
			i = j
			continue
		}
		key := dsn[i:j]
		k++
		for k < len(dsn) && isBlank(dsn[k]) {
			k++
		}
		b.WriteString(dsn[i:k])
		end := valueEnd(dsn, k, isSep)
		if isSecretKey(key) {
			b.WriteString(redacted)
		} else {
			b.WriteString(dsn[k:end])
		}
		i = end
	}
	return b.String()
}

// valueEnd returns the index just past the value starting at i. Quoted
// ('..' or "..") and braced ({..}) values may contain separators.
func valueEnd(s string, i int, isSep func(byte) bool) int {
	if i >= len(s) {
		return i
	}
	closer := byte(0)
	switch s[i] {
	case '\'', '"':
		closer = s[i]
	case '{':
		closer = '}'
	}
	if closer == 0 {
		j := i
		for j < len(s) && !isSep(s[j]) {
			j++
		}
		return j
	}
	for j := i + 1; j < len(s); j++ {
		switch {
		case s[j] == '\\' && closer != '}':
			j++
		case s[j] == closer:
			// doubled closer is an escaped literal
			if j+1 < len(s) && s[j+1] == closer {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(s)
}

// Severity grades a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path names the offending variable.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks the configuration. Issues are sorted by path.
func (c Config) Validate() []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if c.APIKey == "" {
		add(SeverityError, "RAWG_API_KEY", "api key is required (api_key or RAWG_API_KEY)")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add(SeverityError, "RAWG_BASE_URL", "invalid url %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		add(SeverityError, "RAWG_TIMEOUT", "must be positive")
	}
	if c.MaxPages <= 0 {
		add(SeverityError, "RAWG_MAX_PAGES", "must be positive, got %d", c.MaxPages)
	}
	if c.MaxEmptyPages <= 0 {
		add(SeverityError, "RAWG_MAX_EMPTY_PAGES", "must be positive, got %d", c.MaxEmptyPages)
	}

	switch c.DB.Backend {
	case "postgres", "mssql", "mysql":
		if c.DB.DSN == "" {
			if c.DB.Host == "" {
				add(SeverityWarning, "DB_SERVER_NAME", "not set, using localhost")
			}
			if c.DB.User == "" || c.DB.Password == "" {
				add(SeverityWarning, "DB_USERNAME", "database credentials are incomplete")
			}
		}
	case "sqlite":
	default:
		add(SeverityError, "DB_BACKEND", "unsupported backend %q (want postgres, mssql, mysql or sqlite)", c.DB.Backend)
	}
	if c.DB.Port != "" {
		if p, err := strconv.Atoi(c.DB.Port); err != nil || p <= 0 || p > 65535 {
			add(SeverityError, "DB_PORT", "invalid port %q", c.DB.Port)
		}
	}
	if c.DB.MaxConns < 0 {
		add(SeverityError, "DB_MAX_CONNS", "must not be negative")
	}

	if c.BatchSize <= 0 {
		add(SeverityError, "BATCH_SIZE", "must be positive, got %d", c.BatchSize)
	}
	if _, err := storage.ParseFailurePolicy(c.FailurePolicy); err != nil {
		add(SeverityError, "FAILURE_POLICY", "%v", err)
	}
	if c.RetryAttempts <= 0 {
		add(SeverityError, "RETRY_ATTEMPTS", "must be at least 1, got %d", c.RetryAttempts)
	}
	if c.Parallelism < 0 {
		add(SeverityError, "PARALLELISM", "must not be negative")
	}
	for k, spec := range c.Schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(SeverityError, "SCHEDULE_"+strings.ToUpper(string(k)), "invalid cron expression %q: %v", spec, err)
		}
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway", "prometheus":
		if c.Metrics.PushgatewayURL == "" {
			add(SeverityError, "PUSHGATEWAY_URL", "required for metrics backend %q", c.Metrics.Backend)
		}
	default:
		add(SeverityError, "METRICS_BACKEND", "unknown backend %q (want none, datadog or pushgateway)", c.Metrics.Backend)
	}

	switch {
	case c.Kafka.Brokers != "" && c.Kafka.Topic == "":
		add(SeverityError, "KAFKA_TOPIC", "required when KAFKA_BROKERS is set")
	case c.Kafka.Brokers == "" && c.Kafka.Topic != "":
		add(SeverityWarning, "KAFKA_BROKERS", "not set, run events are disabled")
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
