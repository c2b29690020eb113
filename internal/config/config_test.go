package config

import (
	"strings"
	"testing"
	"time"

	"rawgetl/internal/resource"

	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	t.Parallel()

	c, err := FromEnv(envOf(nil))
	require.NoError(t, err)
	require.Equal(t, Default(), c)
	require.Equal(t, "postgres", c.DB.Backend)
	require.Equal(t, 20, c.MaxPages)
	require.Equal(t, 1000, c.BatchSize)
}

func TestFromEnv_ReadsVariables(t *testing.T) {
	t.Parallel()

	c, err := FromEnv(envOf(map[string]string{
		"api_key":           "k1",
		"RAWG_API_KEY":      "k2",
		"RAWG_MAX_PAGES":    "5",
		"RAWG_TIMEOUT":      "10s",
		"STRICT_SCHEMA":     "true",
		"NORMALIZE_UNICODE": "1",
		"DB_BACKEND":        "SQLServer",
		"DB_SERVER_NAME":    "sql.internal",
		"DB_DATABASE_NAME":  "rawg",
		"DB_USERNAME":       "etl",
		"DB_PASSWORD":       " p w ",
		"DB_MAX_CONNS":      "8",
		"BATCH_SIZE":        "250",
		"FAILURE_POLICY":    "continue",
		"SCHEDULE_GAMES":    "15 3 * * *",
		"METRICS_BACKEND":   "Datadog",
		"KAFKA_BROKERS":     "a:9092,b:9092",
		"KAFKA_TOPIC":       "rawg.runs",
	}))
	require.NoError(t, err)
	require.Equal(t, "k1", c.APIKey)
	require.Equal(t, 5, c.MaxPages)
	require.Equal(t, 10*time.Second, c.Timeout)
	require.True(t, c.Strict)
	require.True(t, c.NormalizeUnicode)
	require.Equal(t, "mssql", c.DB.Backend)
	require.Equal(t, " p w ", c.DB.Password)
	require.EqualValues(t, 8, c.DB.MaxConns)
	require.Equal(t, 250, c.BatchSize)
	require.Equal(t, "continue", c.FailurePolicy)
	require.Equal(t, map[resource.Kind]string{resource.Games: "15 3 * * *"}, c.Schedules)
	require.Equal(t, "datadog", c.Metrics.Backend)
	require.Empty(t, c.Validate())
}

func TestFromEnv_RejectsMalformedNumbers(t *testing.T) {
	t.Parallel()

	_, err := FromEnv(envOf(map[string]string{"BATCH_SIZE": "many", "STRICT_SCHEMA": "maybe"}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "BATCH_SIZE")
	require.Contains(t, err.Error(), "STRICT_SCHEMA")
}

func TestNormalizeBackend(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"postgres":     "postgres",
		" PostgreSQL ": "postgres",
		"pg":           "postgres",
		"sqlserver":    "mssql",
		"MSSQL":        "mssql",
		"MariaDB":      "mysql",
		"sqlite":       "sqlite",
		"oracle":       "oracle",
	} {
		require.Equal(t, want, NormalizeBackend(in), in)
	}
}

func TestResolveDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		db   DB
		want string
	}{
		{
			name: "explicit dsn wins",
			db:   DB{Backend: "postgres", DSN: "postgres://x", Host: "ignored"},
			want: "postgres://x",
		},
		{
			name: "postgres",
			db:   DB{Backend: "postgres", Host: "pg", User: "etl", Password: "p@ss", Name: "rawg", SSLMode: "require"},
			want: "postgresql://etl:p%40ss@pg:5432/rawg?sslmode=require",
		},
		{
			name: "mssql",
			db:   DB{Backend: "mssql", Host: "sql", Port: "1444", User: "sa", Password: "pw", Name: "rawg"},
			want: "sqlserver://sa:pw@sql:1444?database=rawg&encrypt=disable",
		},
		{
			name: "mysql",
			db:   DB{Backend: "mysql", Host: "my", User: "etl", Password: "pw", Name: "rawg"},
			want: "etl:pw@tcp(my:3306)/rawg?parseTime=true",
		},
		{
			name: "sqlite path",
			db:   DB{Backend: "sqlite", Name: "/data/rawg.db"},
			want: "file:/data/rawg.db",
		},
		{
			name: "sqlite memory",
			db:   DB{Backend: "sqlite", Name: ":memory:"},
			want: ":memory:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.db.ResolveDSN()
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := DB{Backend: "oracle"}.ResolveDSN()
	require.Error(t, err)
}

func TestValidate_ReportsIssues(t *testing.T) {
	t.Parallel()

	c := Default()
	c.DB.Backend = "oracle"
	c.BatchSize = 0
	c.FailurePolicy = "retry"
	c.Schedules = map[resource.Kind]string{resource.Tags: "hourly"}
	c.Metrics.Backend = "pushgateway"
	c.Kafka.Brokers = "localhost:9092"

	issues := c.Validate()
	require.True(t, HasErrors(issues))

	paths := map[string]Severity{}
	for _, iss := range issues {
		paths[iss.Path] = iss.Severity
	}
	for _, p := range []string{"RAWG_API_KEY", "DB_BACKEND", "BATCH_SIZE", "FAILURE_POLICY", "SCHEDULE_TAGS", "PUSHGATEWAY_URL", "KAFKA_TOPIC"} {
		require.Equal(t, SeverityError, paths[p], p)
	}
}

func TestValidate_WarningsOnly(t *testing.T) {
	t.Parallel()

	c := Default()
	c.APIKey = "k"
	c.Kafka.Topic = "runs"

	issues := c.Validate()
	require.False(t, HasErrors(issues))
	require.NotEmpty(t, issues)
}

func TestRedacted_MasksSecrets(t *testing.T) {
	t.Parallel()

	c := Default()
	c.APIKey = "secret-key"
	c.DB.Password = "hunter2"
	c.Schedules[resource.Games] = "0 * * * *"

	for _, dsn := range []string{
		"postgresql://etl:hunter2@pg:5432/rawg",
		"etl:hunter2@tcp(my:3306)/rawg",
		"host=pg user=etl password=hunter2",
	} {
		c.DB.DSN = dsn
		r := c.Redacted()
		require.NotContains(t, r.DB.DSN, "hunter2", dsn)
		require.Contains(t, r.DB.DSN, redacted, dsn)
		require.NotContains(t, r.APIKey+r.DB.Password, "secret-key")
		require.NotContains(t, r.DB.Password, "hunter2")
	}

	r := c.Redacted()
	r.Schedules[resource.Games] = "changed"
	require.Equal(t, "0 * * * *", c.Schedules[resource.Games])
	require.Equal(t, "secret-key", c.APIKey)
	require.False(t, strings.Contains(r.APIKey, "secret"))
}

func TestRedactDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{
			name: "postgres url",
			dsn:  "postgresql://etl:hunter2@pg:5432/rawg?sslmode=require",
			want: "postgresql://etl:REDACTED@pg:5432/rawg?sslmode=require",
		},
		{
			name: "url query password",
			dsn:  "sqlserver://db:1433?database=rawg&user+id=sa&password=hunter2",
			want: "sqlserver://db:1433?database=rawg&password=REDACTED&user+id=sa",
		},
		{
			name: "url without secret untouched",
			dsn:  "sqlserver://db:1433?database=rawg",
			want: "sqlserver://db:1433?database=rawg",
		},
		{
			name: "ado semicolons",
			dsn:  "server=db;user id=sa;password=hunter2;database=rawg",
			want: "server=db;user id=sa;password=REDACTED;database=rawg",
		},
		{
			name: "ado password with spaces",
			dsn:  "Server=db;Password=hunter 2 go;Database=rawg",
			want: "Server=db;Password=REDACTED;Database=rawg",
		},
		{
			name: "odbc braced pwd",
			dsn:  "Driver={ODBC Driver 18};Server=db;UID=sa;PWD={hun;ter2};Database=rawg",
			want: "Driver={ODBC Driver 18};Server=db;UID=sa;PWD=REDACTED;Database=rawg",
		},
		{
			name: "libpq quoted",
			dsn:  "host=pg user=etl password='hunter 2' dbname=rawg",
			want: "host=pg user=etl password=REDACTED dbname=rawg",
		},
		{
			name: "libpq escaped quote",
			dsn:  `host=pg password='hun\'ter2' dbname=rawg`,
			want: "host=pg password=REDACTED dbname=rawg",
		},
		{
			name: "libpq spaces around equals",
			dsn:  "host=pg password = hunter2 sslmode=disable",
			want: "host=pg password = REDACTED sslmode=disable",
		},
		{
			name: "key value without secret untouched",
			dsn:  "host=pg user=etl",
			want: "host=pg user=etl",
		},
		{
			name: "sqlite path",
			dsn:  "file:/data/rawg.db",
			want: "file:/data/rawg.db",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := redactDSN(tt.dsn)
			require.Equal(t, tt.want, got)
			require.NotContains(t, got, "hunter")
			require.NotContains(t, got, "ter2")
		})
	}

	mysqlDSN := redactDSN("etl:hunter2@tcp(my:3306)/rawg?parseTime=true")
	require.NotContains(t, mysqlDSN, "hunter2")
	require.Contains(t, mysqlDSN, "etl:REDACTED@tcp(my:3306)/rawg")
}
