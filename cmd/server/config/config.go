package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// QueueConfig holds Redis connection settings and stream consumer behavior.
type QueueConfig struct {
	URL                string
	Stream             string
	Group              string
	Consumer           string
	Workers            *int
	BatchSize          *int64
	BlockTimeout       *time.Duration
	ReclaimMinIdle     *time.Duration
	ReclaimInterval    *time.Duration
	StreamMaxLen       int64
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// SagaConfig holds saga engine settings.
type SagaConfig struct {
	// Timeout bounds one whole execution. Zero means the engine default.
	Timeout time.Duration
}

// DispatchConfig holds reliability settings for the dispatch step. All
// fields are optional; nil means the wrapper's default.
type DispatchConfig struct {
	RateLimitInterval   *time.Duration
	RateLimitBurst      *int
	RetryMaxAttempts    *int
	RetryBaseDelay      *time.Duration
	RetryMaxDelay       *time.Duration
	BreakerMaxFailures  *int
	BreakerResetTimeout *time.Duration
}

// HTTPConfig holds the public API server address.
type HTTPConfig struct {
	Addr string
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// LoadQueue reads queue config from env.
func LoadQueue() (QueueConfig, error) {
	cfg := QueueConfig{
		Stream:   strings.TrimSpace(os.Getenv("QUEUE_STREAM")),
		Group:    strings.TrimSpace(os.Getenv("QUEUE_GROUP")),
		Consumer: strings.TrimSpace(os.Getenv("QUEUE_CONSUMER")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.Workers, err = optionalInt("QUEUE_WORKERS"); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = optionalInt64("QUEUE_BATCH_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.BlockTimeout, err = optionalDuration("QUEUE_BLOCK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReclaimMinIdle, err = optionalDuration("QUEUE_RECLAIM_MIN_IDLE"); err != nil {
		return cfg, err
	}
	if cfg.ReclaimInterval, err = optionalDuration("QUEUE_RECLAIM_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = requiredInt64("QUEUE_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadSaga reads saga engine settings from env.
func LoadSaga() (SagaConfig, error) {
	timeout, err := optionalDuration("SAGA_TIMEOUT")
	if err != nil {
		return SagaConfig{}, err
	}
	cfg := SagaConfig{}
	if timeout != nil {
		cfg.Timeout = *timeout
	}
	return cfg, nil
}

// LoadDispatch reads dispatch-step reliability settings from env.
func LoadDispatch() (DispatchConfig, error) {
	var cfg DispatchConfig
	var err error
	if cfg.RateLimitInterval, err = optionalDuration("DISPATCH_RATE_LIMIT_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = optionalInt("DISPATCH_RATE_LIMIT_BURST"); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = optionalInt("DISPATCH_RETRY_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = optionalDuration("DISPATCH_RETRY_BASE_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = optionalDuration("DISPATCH_RETRY_MAX_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = optionalInt("DISPATCH_BREAKER_MAX_FAILURES"); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = optionalDuration("DISPATCH_BREAKER_RESET_TIMEOUT"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadHTTP reads the public API address from env.
func LoadHTTP() (HTTPConfig, error) {
	addr, err := requiredString("HTTP_ADDR")
	if err != nil {
		return HTTPConfig{}, err
	}
	return HTTPConfig{Addr: addr}, nil
}

// LoadObservability reads the metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt64(name string) (*int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
