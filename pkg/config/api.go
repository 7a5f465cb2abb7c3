package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment          string
	Addr                 string
	LogLevel             string
	StoreDriver          string
	DatabaseURL          string
	MigrationsDir        string
	AutoMigrate          bool
	JWTSecret            string
	AccessTokenTTL       time.Duration
	ExecutorAuthToken    string
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
	RateLimitPerMinute   int
	EventsRedisAddr      string
	EventsRedisPass      string
	EventsRedisDB        int
	EventsRedisChannel   string
	EventBuffer          int
	QueueRetryAfter      time.Duration
	AdmissionBatchWindow time.Duration
	ApprovalTTL          time.Duration
	SweepInterval        time.Duration
	RollbackResumeAfter  time.Duration
	PolicyFile           string
	AutoRollback         bool
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":4000"),
		LogLevel:             GetString("LOG_LEVEL", "info"),
		StoreDriver:          GetString("STORE_DRIVER", "postgres"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://deploygate:deploygate@db:5432/deploygate?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", ""),
		AutoMigrate:          GetBool("DB_AUTO_MIGRATE", true),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:       GetDuration("ACCESS_TOKEN_TTL_MIN", time.Minute, 60*time.Minute),
		ExecutorAuthToken:    GetString("EXECUTOR_AUTH_TOKEN", ""),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitPerMinute:   GetInt("RATE_LIMIT_PER_MINUTE", 120),
		EventsRedisAddr:      GetString("EVENTS_REDIS_ADDR", ""),
		EventsRedisPass:      GetString("EVENTS_REDIS_PASSWORD", ""),
		EventsRedisDB:        GetInt("EVENTS_REDIS_DB", 0),
		EventsRedisChannel:   GetString("EVENTS_REDIS_CHANNEL", "deploygate:events"),
		EventBuffer:          GetInt("WS_EVENT_BUFFER", 100),
		QueueRetryAfter:      GetDuration("QUEUE_RETRY_AFTER_SECONDS", time.Second, 30*time.Second),
		AdmissionBatchWindow: GetDuration("ADMISSION_BATCH_WINDOW_SECONDS", time.Second, 5*time.Second),
		ApprovalTTL:          GetDuration("APPROVAL_TTL_HOURS", time.Hour, 0),
		SweepInterval:        GetDuration("SWEEP_INTERVAL_SECONDS", time.Second, 30*time.Second),
		RollbackResumeAfter:  GetDuration("ROLLBACK_RESUME_AFTER_SECONDS", time.Second, 60*time.Second),
		PolicyFile:           GetString("POLICY_FILE", ""),
		AutoRollback:         GetBool("AUTO_ROLLBACK", false),
	}
}
