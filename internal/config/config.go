package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration. It is loaded once at startup and
// threaded through constructors explicitly — nothing in this module reaches
// for a package-level config global.
type Config struct {
	Env  string
	Port string

	Redis RedisConfig
	Postgres PostgresConfig
	LLM   LLMConfig
	OTel  OTelConfig
	Engine EngineConfig

	AtomBaseURL string
}

type RedisConfig struct {
	URL string
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

type LLMConfig struct {
	APIKey       string
	BaseURL      string
	PlannerModel string
	GraderModel  string
}

type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// EngineConfig carries the ReAct engine's resource caps as configuration
// rather than hardcoded constants, so tests can shrink them.
type EngineConfig struct {
	MaxSteps              int
	MaxOperations         int
	MaxStalled            int
	MaxReplays            int
	MaxRetriesPerStep     int
	LLMTimeout            time.Duration
	PlanBound             time.Duration
	EvalBound             time.Duration
	GuardAcquireBackoff   time.Duration
	DebouncePersist       time.Duration
	AtomRetries           int
	GenerationStatusEvery time.Duration
}

// Load reads configuration from the environment, optionally pre-populated
// from a local .env file in development.
func Load() Config {
	_ = godotenv.Load()

	env := getEnv("REACTOR_ENV", "development")

	return Config{
		Env:  env,
		Port: getEnv("PORT", "8080"),
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Postgres: PostgresConfig{
			DSN:      buildDSN(),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		LLM: LLMConfig{
			APIKey:       getEnv("LLM_API_KEY", ""),
			BaseURL:      getEnv("LLM_BASE_URL", ""),
			PlannerModel: getEnv("LLM_PLANNER_MODEL", "gpt-4o"),
			GraderModel:  getEnv("LLM_GRADER_MODEL", "gpt-4o-mini"),
		},
		OTel: OTelConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "reactor"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		},
		AtomBaseURL: getEnv("ATOM_BASE_URL", "http://localhost:9000"),
		Engine: EngineConfig{
			MaxSteps:              getEnvInt("ENGINE_MAX_STEPS", 20),
			MaxOperations:         getEnvInt("ENGINE_MAX_OPERATIONS", 12),
			MaxStalled:            getEnvInt("ENGINE_MAX_STALLED", 4),
			MaxReplays:            getEnvInt("ENGINE_MAX_REPLAYS", 7),
			MaxRetriesPerStep:     getEnvInt("ENGINE_MAX_RETRIES_PER_STEP", 2),
			LLMTimeout:            getEnvDuration("ENGINE_LLM_TIMEOUT", 60*time.Second),
			PlanBound:             getEnvDuration("ENGINE_PLAN_BOUND", 90*time.Second),
			EvalBound:             getEnvDuration("ENGINE_EVAL_BOUND", 120*time.Second),
			GuardAcquireBackoff:   getEnvDuration("ENGINE_GUARD_BACKOFF", 500*time.Millisecond),
			DebouncePersist:       getEnvDuration("SYNC_DEBOUNCE_PERSIST", 1*time.Second),
			AtomRetries:           getEnvInt("ENGINE_ATOM_RETRIES", 3),
			GenerationStatusEvery: getEnvDuration("ENGINE_GENERATION_STATUS_EVERY", 10*time.Second),
		},
	}
}

func buildDSN() string {
	host := getEnv("DATABASE_HOST", "localhost")
	port := getEnv("DATABASE_PORT", "5432")
	user := getEnv("DATABASE_USER", "postgres")
	password := getEnv("DATABASE_PASSWORD", "postgres")
	name := getEnv("DATABASE_NAME", "reactor")
	sslMode := getEnv("DATABASE_SSLMODE", "disable")
	return "postgres://" + user + ":" + password + "@" + host + ":" + port + "/" + name + "?sslmode=" + sslMode
}

func (c Config) IsProduction() bool  { return c.Env == "production" }
func (c Config) IsDevelopment() bool { return c.Env == "development" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
