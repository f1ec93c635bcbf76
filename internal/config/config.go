package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport names
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config holds the application configuration
type Config struct {
	Transport string `yaml:"transport" validate:"oneof=nats websocket mqtt"`
	NATSURL   string `yaml:"natsURL" validate:"required_if=Transport nats"`
	WSURL     string `yaml:"wsURL" validate:"required_if=Transport websocket"`
	MQTTURL   string `yaml:"mqttURL" validate:"required_if=Transport mqtt"`

	APIBaseURL  string `yaml:"apiBaseURL" validate:"required,url"`
	GeocoderURL string `yaml:"geocoderURL" validate:"omitempty,url"`
	RedisAddr   string `yaml:"redisAddr" validate:"required"`
	DBConnStr   string `yaml:"dbConnStr"`
	Token       string `yaml:"token"`

	TrackVehicle string `yaml:"trackVehicle" validate:"excluded_with=TrackCompany"`
	TrackCompany string `yaml:"trackCompany"`

	PollInterval      time.Duration `yaml:"pollInterval" validate:"min=100ms"`
	FleetPollInterval time.Duration `yaml:"fleetPollInterval" validate:"min=100ms"`

	MapMount         string  `yaml:"mapMount" validate:"required"`
	DefaultCenterLat float64 `yaml:"defaultCenterLat" validate:"gte=-90,lte=90"`
	DefaultCenterLng float64 `yaml:"defaultCenterLng" validate:"gte=-180,lte=180"`
	MaxPathPoints    int     `yaml:"maxPathPoints" validate:"gt=0"`

	HTTPAddr      string        `yaml:"httpAddr"`
	LogLevel      string        `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat     string        `yaml:"logFormat" validate:"oneof=json text"`
	RecordDir     string        `yaml:"recordDir"`
	StatsInterval time.Duration `yaml:"statsInterval" validate:"min=1s"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Transport:         TransportNATS,
		NATSURL:           "nats://localhost:4222",
		APIBaseURL:        "http://localhost:8080",
		RedisAddr:         "localhost:6379",
		PollInterval:      10 * time.Second,
		FleetPollInterval: 30 * time.Second,
		MapMount:          "console",
		DefaultCenterLat:  37.5665,
		DefaultCenterLng:  126.9780,
		MaxPathPoints:     10000,
		HTTPAddr:          ":8090",
		LogLevel:          "info",
		LogFormat:         "json",
		StatsInterval:     time.Minute,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE, and environment variables (a .env file is loaded first if
// present), in that order, then validates it
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// TransportURL returns the endpoint of the configured push transport
func (c *Config) TransportURL() string {
	switch c.Transport {
	case TransportWebSocket:
		return c.WSURL
	case TransportMQTT:
		return c.MQTTURL
	default:
		return c.NATSURL
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"TRANSPORT":      &c.Transport,
		"NATS_URL":       &c.NATSURL,
		"WS_URL":         &c.WSURL,
		"MQTT_URL":       &c.MQTTURL,
		"API_BASE_URL":   &c.APIBaseURL,
		"GEOCODER_URL":   &c.GeocoderURL,
		"REDIS_ADDR":     &c.RedisAddr,
		"DB_CONN_STR":    &c.DBConnStr,
		"TRACKING_TOKEN": &c.Token,
		"TRACK_VEHICLE":  &c.TrackVehicle,
		"TRACK_COMPANY":  &c.TrackCompany,
		"MAP_MOUNT":      &c.MapMount,
		"HTTP_ADDR":      &c.HTTPAddr,
		"LOG_LEVEL":      &c.LogLevel,
		"LOG_FORMAT":     &c.LogFormat,
		"RECORD_DIR":     &c.RecordDir,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":       &c.PollInterval,
		"FLEET_POLL_INTERVAL": &c.FleetPollInterval,
		"STATS_INTERVAL":      &c.StatsInterval,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	floats := map[string]*float64{
		"DEFAULT_CENTER_LAT": &c.DefaultCenterLat,
		"DEFAULT_CENTER_LNG": &c.DefaultCenterLng,
	}
	for key, dst := range floats {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = f
	}

	if v := os.Getenv("MAX_PATH_POINTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_PATH_POINTS: %w", err)
		}
		c.MaxPathPoints = n
	}
	return nil
}
