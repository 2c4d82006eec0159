package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Grading backends.
const (
	GradingBackendLocal = "local"
	GradingBackendNATS  = "nats"
)

// Blob backends.
const (
	BlobBackendDatabase   = "database"
	BlobBackendCloudinary = "cloudinary"
)

// Config holds runtime configuration values for the grader service.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RedisURL        string
	NATSURL         string
	NATSPrefix      string
	NATSResultSlack time.Duration
	EventSubject    string

	JWTSecret        string
	CORSAllowOrigins string
	SubmitRateLimit  int
	SubmitRateWindow time.Duration

	GradingBackend   string
	Workers          int
	QueueSize        int
	DockerHost       string
	WorkspaceRoot    string
	DefaultTimeLimit time.Duration
	MemoryLimitMB    int
	CPUShares        int
	Launcher         string
	MaxOutputBytes   int
	PullEnvironments bool

	MaxResultBytes int
	AdmissionSlack time.Duration
	LatestCacheTTL time.Duration
	WatchTimeout   time.Duration

	BlobBackend            string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	LTI11Secrets        map[string]string
	LTI13ClientID       string
	LTI13TokenURL       string
	LTI13KeyID          string
	LTI13PrivateKeyPath string
	LTIQueueSize        int
	LTIMaxAttempts      int
	LTIRetryBackoff     time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.cors_origins", "*")
	v.SetDefault("http.submit_rate_limit", 10)
	v.SetDefault("http.submit_rate_window", "1m")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("nats.prefix", "grader")
	v.SetDefault("nats.result_slack", "2m")
	v.SetDefault("nats.event_subject", "grader.submissions.done")
	v.SetDefault("grading.backend", GradingBackendLocal)
	v.SetDefault("grading.workers", 4)
	v.SetDefault("grading.queue_size", 64)
	v.SetDefault("grading.workspace_root", "/tmp/grader")
	v.SetDefault("grading.time_limit", "30s")
	v.SetDefault("grading.memory_mb", 256)
	v.SetDefault("grading.cpu_shares", 512)
	v.SetDefault("grading.launcher", "grader")
	v.SetDefault("grading.max_output_bytes", 1<<20)
	v.SetDefault("grading.pull_environments", false)
	v.SetDefault("submissions.max_result_bytes", 16*1024*1024)
	v.SetDefault("submissions.admission_slack", "1m")
	v.SetDefault("submissions.latest_cache_ttl", "5m")
	v.SetDefault("submissions.watch_timeout", "10m")
	v.SetDefault("blob.backend", BlobBackendDatabase)
	v.SetDefault("cloudinary.folder", "grader/submissions")
	v.SetDefault("lti.queue_size", 256)
	v.SetDefault("lti.max_attempts", 5)
	v.SetDefault("lti.retry_backoff", "2s")

	timeLimit, err := parseDuration(v, "grading.time_limit")
	if err != nil {
		return Config{}, err
	}
	slack, err := parseDuration(v, "submissions.admission_slack")
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := parseDuration(v, "submissions.latest_cache_ttl")
	if err != nil {
		return Config{}, err
	}
	connLifetime, err := parseDuration(v, "database.conn_max_lifetime")
	if err != nil {
		return Config{}, err
	}
	watchTimeout, err := parseDuration(v, "submissions.watch_timeout")
	if err != nil {
		return Config{}, err
	}
	resultSlack, err := parseDuration(v, "nats.result_slack")
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := parseDuration(v, "http.submit_rate_window")
	if err != nil {
		return Config{}, err
	}
	backoff, err := parseDuration(v, "lti.retry_backoff")
	if err != nil {
		return Config{}, err
	}
	secrets, err := parseConsumerSecrets(v.GetString("lti.consumer_secrets"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		DatabaseURL:            v.GetString("database.url"),
		DBMaxOpenConns:         v.GetInt("database.max_open_conns"),
		DBMaxIdleConns:         v.GetInt("database.max_idle_conns"),
		DBConnMaxLifetime:      connLifetime,
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		NATSPrefix:             v.GetString("nats.prefix"),
		NATSResultSlack:        resultSlack,
		EventSubject:           v.GetString("nats.event_subject"),
		JWTSecret:              v.GetString("jwt.secret"),
		CORSAllowOrigins:       v.GetString("http.cors_origins"),
		SubmitRateLimit:        v.GetInt("http.submit_rate_limit"),
		SubmitRateWindow:       rateWindow,
		GradingBackend:         strings.ToLower(v.GetString("grading.backend")),
		Workers:                v.GetInt("grading.workers"),
		QueueSize:              v.GetInt("grading.queue_size"),
		DockerHost:             v.GetString("docker_host"),
		WorkspaceRoot:          v.GetString("grading.workspace_root"),
		DefaultTimeLimit:       timeLimit,
		MemoryLimitMB:          v.GetInt("grading.memory_mb"),
		CPUShares:              v.GetInt("grading.cpu_shares"),
		Launcher:               v.GetString("grading.launcher"),
		MaxOutputBytes:         v.GetInt("grading.max_output_bytes"),
		PullEnvironments:       v.GetBool("grading.pull_environments"),
		MaxResultBytes:         v.GetInt("submissions.max_result_bytes"),
		AdmissionSlack:         slack,
		LatestCacheTTL:         cacheTTL,
		WatchTimeout:           watchTimeout,
		BlobBackend:            strings.ToLower(v.GetString("blob.backend")),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		LTI11Secrets:           secrets,
		LTI13ClientID:          v.GetString("lti.client_id"),
		LTI13TokenURL:          v.GetString("lti.token_url"),
		LTI13KeyID:             v.GetString("lti.key_id"),
		LTI13PrivateKeyPath:    v.GetString("lti.private_key_path"),
		LTIQueueSize:           v.GetInt("lti.queue_size"),
		LTIMaxAttempts:         v.GetInt("lti.max_attempts"),
		LTIRetryBackoff:        backoff,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.GradingBackend {
	case GradingBackendLocal:
	case GradingBackendNATS:
		if cfg.NATSURL == "" {
			return Config{}, fmt.Errorf("nats url is required for the nats grading backend")
		}
	default:
		return Config{}, fmt.Errorf("unknown grading backend %q", cfg.GradingBackend)
	}

	switch cfg.BlobBackend {
	case BlobBackendDatabase, BlobBackendCloudinary:
	default:
		return Config{}, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = 256
	}
	if cfg.CPUShares <= 0 {
		cfg.CPUShares = 512
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseConsumerSecrets reads "key:secret,key2:secret2".
func parseConsumerSecrets(raw string) (map[string]string, error) {
	secrets := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, secret, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("invalid lti consumer secret entry %q", pair)
		}
		secrets[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	return secrets, nil
}
