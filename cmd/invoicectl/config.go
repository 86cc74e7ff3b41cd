// cmd/invoicectl/config.go
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-invoice-cropper/internal/bus"
	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/store"
	"github.com/tendant/simple-invoice-cropper/internal/tracker"
)

const (
	backendFile   = "file"
	backendSQLite = "sqlite"
	backendNATS   = "nats"
	backendMemory = "memory"
)

type config struct {
	APIURL        string
	APITimeout    time.Duration
	PollInterval  time.Duration
	StoreBackend  string
	StorePath     string
	StoreKey      string
	StoreCap      int
	NATSURL       string
	SubjectPrefix string
	KVBucket      string
	EventsEnabled bool
	LogLevel      slog.Level
	DownloadDir   string
}

// fileConfig is the optional YAML overlay named by INVOICECTL_CONFIG.
// Environment variables take precedence over it.
type fileConfig struct {
	API struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"api"`
	PollInterval string `yaml:"poll_interval"`
	Store        struct {
		Backend  string `yaml:"backend"`
		Path     string `yaml:"path"`
		Key      string `yaml:"key"`
		Capacity int    `yaml:"capacity"`
	} `yaml:"store"`
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
		KVBucket      string `yaml:"kv_bucket"`
		Events        *bool  `yaml:"events"`
	} `yaml:"nats"`
	LogLevel    string `yaml:"log_level"`
	DownloadDir string `yaml:"download_dir"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func loadConfig() (config, error) {
	fc, err := loadFileConfig(os.Getenv("INVOICECTL_CONFIG"))
	if err != nil {
		return config{}, err
	}

	cfg := config{
		APIURL:        getenv("INVOICE_API_URL", orDefault(fc.API.URL, "http://localhost:8080/api/v1/invoice")),
		StoreBackend:  strings.ToLower(getenv("STORE_BACKEND", orDefault(fc.Store.Backend, backendFile))),
		StoreKey:      getenv("STORE_KEY", orDefault(fc.Store.Key, store.DefaultKey)),
		NATSURL:       getenv("NATS_URL", orDefault(fc.NATS.URL, "nats://127.0.0.1:4222")),
		SubjectPrefix: getenv("NATS_SUBJECT_PREFIX", orDefault(fc.NATS.SubjectPrefix, bus.DefaultSubjectPrefix)),
		KVBucket:      getenv("NATS_KV_BUCKET", orDefault(fc.NATS.KVBucket, bus.DefaultKVBucket)),
		DownloadDir:   getenv("DOWNLOAD_DIR", orDefault(fc.DownloadDir, filepath.Join(".", "data", "downloads"))),
	}

	switch cfg.StoreBackend {
	case backendFile:
		cfg.StorePath = getenv("STORE_PATH", orDefault(fc.Store.Path, filepath.Join(".", "data")))
	case backendSQLite:
		cfg.StorePath = getenv("STORE_PATH", orDefault(fc.Store.Path, filepath.Join(".", "data", "invoicectl.db")))
	case backendNATS, backendMemory:
		cfg.StorePath = getenv("STORE_PATH", fc.Store.Path)
	default:
		return cfg, fmt.Errorf("unsupported STORE_BACKEND %q (want file, sqlite, nats or memory)", cfg.StoreBackend)
	}

	if cfg.APITimeout, err = parseDuration(getenv("INVOICE_API_TIMEOUT", orDefault(fc.API.Timeout, client.DefaultTimeout.String())), "INVOICE_API_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = parseDuration(getenv("POLL_INTERVAL", orDefault(fc.PollInterval, tracker.DefaultInterval.String())), "POLL_INTERVAL"); err != nil {
		return cfg, err
	}

	capDefault := strconv.Itoa(store.DefaultCapacity)
	if fc.Store.Capacity > 0 {
		capDefault = strconv.Itoa(fc.Store.Capacity)
	}
	if cfg.StoreCap, err = parsePositiveInt(getenv("STORE_CAP", capDefault), "STORE_CAP"); err != nil {
		return cfg, err
	}
	if cfg.StoreCap > store.DefaultCapacity {
		return cfg, fmt.Errorf("STORE_CAP must be at most %d (got %d)", store.DefaultCapacity, cfg.StoreCap)
	}

	eventsDefault := false
	if fc.NATS.Events != nil {
		eventsDefault = *fc.NATS.Events
	}
	cfg.EventsEnabled = getenvBool("EVENTS_ENABLED", eventsDefault)

	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", orDefault(fc.LogLevel, "info")))); err != nil {
		return cfg, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// needsNATS reports whether a NATS connection must be opened.
func (c config) needsNATS() bool {
	return c.EventsEnabled || c.StoreBackend == backendNATS
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

// parseDuration accepts Go durations ("90s") and bare seconds ("90").
func parseDuration(value string, name string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		value = strconv.Itoa(secs) + "s"
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func orDefault(v, d string) string {
	if v != "" {
		return v
	}
	return d
}
