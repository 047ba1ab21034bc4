package config

import "os"

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultPostgresURL     = ""
	defaultGatewayAddr     = ":8080"
	defaultMetricsAddr     = ":9090"
	defaultGovernancePath  = "config/governance.yaml"
	defaultDraftServiceURL = ""
	envNATSURL             = "NATS_URL"
	envRedisURL            = "REDIS_URL"
	envPostgresURL         = "POSTGRES_URL"
	envGatewayAddr         = "GATEWAY_ADDR"
	envMetricsAddr         = "METRICS_ADDR"
	envGovernancePath      = "GOVERNANCE_CONFIG_PATH"
	envDraftServiceURL     = "DRAFT_SERVICE_URL"
)

// Config holds runtime configuration for the control plane components.
type Config struct {
	NatsURL         string
	RedisURL        string
	PostgresURL     string
	GatewayAddr     string
	MetricsAddr     string
	GovernancePath  string
	DraftServiceURL string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	postgresURL := os.Getenv(envPostgresURL)
	if postgresURL == "" {
		postgresURL = defaultPostgresURL
	}

	gatewayAddr := os.Getenv(envGatewayAddr)
	if gatewayAddr == "" {
		gatewayAddr = defaultGatewayAddr
	}
	metricsAddr := os.Getenv(envMetricsAddr)
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}

	governancePath := os.Getenv(envGovernancePath)
	if governancePath == "" {
		governancePath = defaultGovernancePath
	}

	draftURL := os.Getenv(envDraftServiceURL)
	if draftURL == "" {
		draftURL = defaultDraftServiceURL
	}

	return &Config{
		NatsURL:         natsURL,
		RedisURL:        redisURL,
		PostgresURL:     postgresURL,
		GatewayAddr:     gatewayAddr,
		MetricsAddr:     metricsAddr,
		GovernancePath:  governancePath,
		DraftServiceURL: draftURL,
	}
}
