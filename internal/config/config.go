package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/node"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
)

// Config holds all runtime configuration for the exchange.
type Config struct {
	Port            int
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreDriver string
	DatabaseURL string
	PebbleDir   string

	Markets []domain.Market
	Nodes   []node.Config

	ReconcileInterval time.Duration
	ReconcileWorkers  int
	RPCTimeout        time.Duration
	MinConfirmations  int64

	NATSURL        string
	NATSSubject    string
	KafkaBrokers   []string
	KafkaTopic     string
	WebhookURL     string
	WebhookTimeout time.Duration
	EventFeedSize  int
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. Variables from a .env file (ENV_FILE) fill in what
// the environment does not set. It returns an error for any invalid value.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	driver := getStr("STORE_DRIVER", DriverMemory)
	databaseURL := getStr("DATABASE_URL", "")
	pebbleDir := getStr("PEBBLE_DIR", "data")
	switch driver {
	case DriverMemory, DriverPebble:
	case DriverPostgres:
		if databaseURL == "" {
			return nil, errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q, must be one of: memory, postgres, pebble", driver)
	}

	reconcileInterval, err := getDuration("RECONCILE_INTERVAL", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
	}
	if reconcileInterval <= 0 {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: must be positive, got %s", reconcileInterval)
	}

	workers, err := getInt("RECONCILE_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_WORKERS: %w", err)
	}
	if workers < 1 {
		return nil, fmt.Errorf("invalid RECONCILE_WORKERS: must be at least 1, got %d", workers)
	}

	rpcTimeout, err := getDuration("RPC_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid RPC_TIMEOUT: %w", err)
	}

	minConf, err := getInt("MIN_CONFIRMATIONS", domain.MinConfirmations)
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_CONFIRMATIONS: %w", err)
	}
	if minConf < 1 {
		return nil, fmt.Errorf("invalid MIN_CONFIRMATIONS: must be at least 1, got %d", minConf)
	}

	webhookTimeout, err := getDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
	}

	feedSize, err := getInt("EVENT_FEED_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("invalid EVENT_FEED_SIZE: %w", err)
	}
	if feedSize < 1 {
		return nil, fmt.Errorf("invalid EVENT_FEED_SIZE: must be at least 1, got %d", feedSize)
	}

	markets, err := loadMarkets()
	if err != nil {
		return nil, err
	}

	nodes, err := loadNodes(os.Environ(), int64(minConf), rpcTimeout)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ShutdownTimeout:   shutdownTimeout,
		StoreDriver:       driver,
		DatabaseURL:       databaseURL,
		PebbleDir:         pebbleDir,
		Markets:           markets,
		Nodes:             nodes,
		ReconcileInterval: reconcileInterval,
		ReconcileWorkers:  workers,
		RPCTimeout:        rpcTimeout,
		MinConfirmations:  int64(minConf),
		NATSURL:           getStr("NATS_URL", ""),
		NATSSubject:       getStr("NATS_SUBJECT", "exchange"),
		KafkaBrokers:      getList("KAFKA_BROKERS"),
		KafkaTopic:        getStr("KAFKA_TOPIC", "exchange-events"),
		WebhookURL:        getStr("WEBHOOK_URL", ""),
		WebhookTimeout:    webhookTimeout,
		EventFeedSize:     feedSize,
	}, nil
}

// loadEnvFile applies ENV_FILE (default .env). A missing default file is
// not an error; a missing file named explicitly is.
func loadEnvFile() error {
	path, explicit := os.LookupEnv("ENV_FILE")
	if !explicit || path == "" {
		path = ".env"
		explicit = false
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("invalid ENV_FILE: %w", err)
}

// loadNodes discovers coins from {COIN}_NODE_HOST variables and reads the
// rest of each coin's connection settings.
func loadNodes(environ []string, minConf int64, timeout time.Duration) ([]node.Config, error) {
	var nodes []node.Config
	for _, kv := range environ {
		key, host, ok := strings.Cut(kv, "=")
		if !ok || host == "" || !strings.HasSuffix(key, "_NODE_HOST") {
			continue
		}
		coin := strings.TrimSuffix(key, "_NODE_HOST")
		if !domain.ValidCoin(coin) {
			return nil, fmt.Errorf("invalid %s: coin must be 2-10 upper-case letters or digits", key)
		}

		cfg := node.Config{
			Coin:          coin,
			Host:          host,
			User:          os.Getenv(coin + "_NODE_USER"),
			Pass:          os.Getenv(coin + "_NODE_PASS"),
			Confirmations: minConf,
			Timeout:       timeout,
		}
		if cfg.User == "" || cfg.Pass == "" {
			return nil, fmt.Errorf("missing credentials for %s: %s_NODE_USER and %s_NODE_PASS are required", coin, coin, coin)
		}

		portKey := coin + "_NODE_PORT"
		if os.Getenv(portKey) == "" {
			return nil, fmt.Errorf("%s is required", portKey)
		}
		var err error
		if cfg.Port, err = getInt(portKey, 0); err != nil || cfg.Port < 1 || cfg.Port > 65535 {
			return nil, fmt.Errorf("invalid %s: %q", portKey, os.Getenv(portKey))
		}

		if cfg.Type, err = node.ParseType(os.Getenv(coin + "_NODE_TYPE")); err != nil {
			return nil, fmt.Errorf("invalid %s_NODE_TYPE: %w", coin, err)
		}

		confKey := coin + "_CONFIRMATIONS"
		conf, err := getInt(confKey, int(minConf))
		if err != nil || conf < 1 {
			return nil, fmt.Errorf("invalid %s: %q", confKey, os.Getenv(confKey))
		}
		cfg.Confirmations = int64(conf)

		nodes = append(nodes, cfg)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Coin < nodes[j].Coin })
	return nodes, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma separated variable, dropping empty entries.
func getList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
