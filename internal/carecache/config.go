package carecache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultGeneration = "seniorcare-v1"

	medicationEndpoint = "/api/medications/{medicationId}/take"
	alertEndpoint      = "/api/alerts/emergency"
)

// DefaultManifest is the application shell cached at install.
var DefaultManifest = []string{
	"/",
	"/manifest.json",
	"/static/icons/icon-192.png",
	"/static/icons/icon-512.png",
	"https://fonts.googleapis.com/css2?family=Nunito:wght@400;600;700;800&display=swap",
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		// Driver is "leveldb" or "memory".
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		RAM    struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Cache struct {
		Generation string   `yaml:"generation"`
		APIPrefix  string   `yaml:"apiPrefix"`
		OfflineURL string   `yaml:"offlineURL"`
		Manifest   []string `yaml:"manifest"`
	} `yaml:"cache"`

	Network struct {
		// Timeout of zero leaves the network layer to fail on its own.
		Timeout         string `yaml:"timeout"`
		BackgroundLimit int    `yaml:"backgroundLimit"`
	} `yaml:"network"`

	Sync struct {
		MedicationEndpoint string `yaml:"medicationEndpoint"`
		AlertEndpoint      string `yaml:"alertEndpoint"`
	} `yaml:"sync"`

	Notifications struct {
		Tag                string `yaml:"tag"`
		Icon               string `yaml:"icon"`
		Badge              string `yaml:"badge"`
		Vibrate            []int  `yaml:"vibrate"`
		RequireInteraction *bool  `yaml:"requireInteraction"`
		Language           string `yaml:"language"`
		OpenURL            string `yaml:"openURL"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		Development   bool   `yaml:"development"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	origin           *url.URL
	manifestURLs     []*url.URL
	offlineURL       *url.URL
	ramMax           int64
	timeoutDur       time.Duration
	logStatsEveryDur time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and compiles derived fields.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return fmt.Errorf("server.origin: unsupported scheme %q", origin.Scheme)
	}
	cfg.origin = origin

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = "leveldb"
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max != "" {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.ramMax = n
	}

	if cfg.Cache.Generation == "" {
		cfg.Cache.Generation = DefaultGeneration
	}
	if cfg.Cache.APIPrefix == "" {
		cfg.Cache.APIPrefix = "/api/"
	}
	if !strings.HasPrefix(cfg.Cache.APIPrefix, "/") {
		return fmt.Errorf("cache.apiPrefix: must start with /, got %q", cfg.Cache.APIPrefix)
	}
	if cfg.Cache.OfflineURL == "" {
		cfg.Cache.OfflineURL = "/"
	}
	if cfg.offlineURL, err = resolveURL(cfg.Cache.OfflineURL, origin); err != nil {
		return fmt.Errorf("cache.offlineURL: %w", err)
	}
	if cfg.Cache.Manifest == nil {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	cfg.manifestURLs = make([]*url.URL, 0, len(cfg.Cache.Manifest))
	for i, m := range cfg.Cache.Manifest {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("cache.manifest[%d]: empty url", i)
		}
		u, err := resolveURL(m, origin)
		if err != nil {
			return fmt.Errorf("cache.manifest[%d]: %w", i, err)
		}
		cfg.manifestURLs = append(cfg.manifestURLs, u)
	}

	if cfg.Network.Timeout != "" {
		d, err := time.ParseDuration(cfg.Network.Timeout)
		if err != nil {
			return fmt.Errorf("network.timeout: %w", err)
		}
		cfg.timeoutDur = d
	}
	if cfg.Network.BackgroundLimit <= 0 {
		cfg.Network.BackgroundLimit = 32
	}

	if cfg.Sync.MedicationEndpoint == "" {
		cfg.Sync.MedicationEndpoint = medicationEndpoint
	}
	if !strings.Contains(cfg.Sync.MedicationEndpoint, "{medicationId}") {
		return fmt.Errorf("sync.medicationEndpoint: missing {medicationId} placeholder")
	}
	if cfg.Sync.AlertEndpoint == "" {
		cfg.Sync.AlertEndpoint = alertEndpoint
	}

	n := &cfg.Notifications
	if n.Tag == "" {
		n.Tag = "seniorcare-notification"
	}
	if n.Icon == "" {
		n.Icon = "/static/icons/icon-192.png"
	}
	if n.Badge == "" {
		n.Badge = "/static/icons/icon-72.png"
	}
	if n.Vibrate == nil {
		n.Vibrate = []int{200, 100, 200}
	}
	if n.RequireInteraction == nil {
		v := true
		n.RequireInteraction = &v
	}
	if n.Language == "" {
		n.Language = "pt"
	}
	if n.OpenURL == "" {
		n.OpenURL = "/"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.logStatsEveryDur = d
	}
	return nil
}

// Origin returns the parsed server.origin.
func (cfg Config) Origin() *url.URL { return cfg.origin }

// NetworkTimeout is the per-fetch timeout, zero meaning none.
func (cfg Config) NetworkTimeout() time.Duration { return cfg.timeoutDur }
