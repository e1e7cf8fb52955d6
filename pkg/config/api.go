package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment            string
	Addr                   string
	DatabaseURL            string
	MigrationsDir          string
	JWTSecret              string
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	StoreTimeout           time.Duration
	AdminServiceToken      string
	DatecodeBaseURL        string
	DatecodeAPIKey         string
	ProfileBaseURL         string
	ProfileAPIKey          string
	EvolutionBaseURL       string
	EvolutionAPIKey        string
	EvolutionInstance      string
	EvolutionWebhookSecret string
	VendorTimeout          time.Duration
	VendorMaxRetries       int
	AMQPURL                string
	AMQPExchange           string
	BoardBuffer            int
	RateLimitRedisAddr     string
	RateLimitRedisPass     string
	RateLimitRedisDB       int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:            GetString("APP_ENV", "development"),
		Addr:                   GetString("API_ADDR", ":4000"),
		DatabaseURL:            GetString("DATABASE_URL", "postgres://dnx:dnx@db:5432/dnx?sslmode=disable"),
		MigrationsDir:          GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:              GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:         time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:        time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		StoreTimeout:           time.Duration(GetInt("STORE_TIMEOUT_SECONDS", 5)) * time.Second,
		AdminServiceToken:      GetString("ADMIN_SERVICE_TOKEN", ""),
		DatecodeBaseURL:        GetString("DATECODE_BASE_URL", "https://api.datecode.com.br"),
		DatecodeAPIKey:         GetString("DATECODE_API_KEY", ""),
		ProfileBaseURL:         GetString("PROFILE_BASE_URL", "https://api.profile.net.br"),
		ProfileAPIKey:          GetString("PROFILE_API_KEY", ""),
		EvolutionBaseURL:       GetString("EVOLUTION_BASE_URL", "http://evolution:8080"),
		EvolutionAPIKey:        GetString("EVOLUTION_API_KEY", ""),
		EvolutionInstance:      GetString("EVOLUTION_INSTANCE", "crm"),
		EvolutionWebhookSecret: GetString("EVOLUTION_WEBHOOK_SECRET", ""),
		VendorTimeout:          time.Duration(GetInt("VENDOR_TIMEOUT_SECONDS", 15)) * time.Second,
		VendorMaxRetries:       GetInt("VENDOR_MAX_RETRIES", 3),
		AMQPURL:                GetString("AMQP_URL", ""),
		AMQPExchange:           GetString("AMQP_EXCHANGE", "crm.events"),
		BoardBuffer:            GetInt("WS_BOARD_BUFFER", 100),
		RateLimitRedisAddr:     GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:     GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:       GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
