package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	config, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.Transport != TransportNATS {
		t.Errorf("Expected default transport nats, got %s", config.Transport)
	}
	if config.PollInterval != 10*time.Second {
		t.Errorf("Expected default poll interval 10s, got %s", config.PollInterval)
	}
	if config.MaxPathPoints != 10000 {
		t.Errorf("Expected default max path points 10000, got %d", config.MaxPathPoints)
	}
	if config.TransportURL() != config.NATSURL {
		t.Errorf("Expected NATS transport URL, got %s", config.TransportURL())
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TRANSPORT", "websocket")
	t.Setenv("WS_URL", "ws://feed.example:9000")
	t.Setenv("API_BASE_URL", "https://api.example")
	t.Setenv("TRACK_VEHICLE", "v-42")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("DEFAULT_CENTER_LAT", "35.1796")
	t.Setenv("MAX_PATH_POINTS", "500")
	t.Setenv("TRACKING_TOKEN", "secret")

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.TransportURL() != "ws://feed.example:9000" {
		t.Errorf("Expected websocket URL, got %s", config.TransportURL())
	}
	if config.TrackVehicle != "v-42" || config.Token != "secret" {
		t.Errorf("Unexpected tracking settings: %+v", config)
	}
	if config.PollInterval != 2*time.Second {
		t.Errorf("Expected poll interval 2s, got %s", config.PollInterval)
	}
	if config.DefaultCenterLat != 35.1796 {
		t.Errorf("Expected center lat 35.1796, got %v", config.DefaultCenterLat)
	}
	if config.MaxPathPoints != 500 {
		t.Errorf("Expected max path points 500, got %d", config.MaxPathPoints)
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.yml")
	data := `
transport: mqtt
mqttURL: tcp://broker:1883
trackCompany: c-7
fleetPollInterval: 45s
logFormat: text
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_FORMAT", "json")

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.Transport != TransportMQTT || config.TransportURL() != "tcp://broker:1883" {
		t.Errorf("Expected MQTT transport from file, got %s %s", config.Transport, config.TransportURL())
	}
	if config.TrackCompany != "c-7" {
		t.Errorf("Expected company c-7, got %s", config.TrackCompany)
	}
	if config.FleetPollInterval != 45*time.Second {
		t.Errorf("Expected fleet poll 45s, got %s", config.FleetPollInterval)
	}
	if config.LogFormat != "json" {
		t.Errorf("Expected environment to override file, got %s", config.LogFormat)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown transport", map[string]string{"TRANSPORT": "carrier-pigeon"}, "Transport"},
		{"missing transport url", map[string]string{"TRANSPORT": "mqtt"}, "MQTTURL"},
		{"both contexts", map[string]string{"TRACK_VEHICLE": "v", "TRACK_COMPANY": "c"}, "TrackVehicle"},
		{"bad duration", map[string]string{"POLL_INTERVAL": "soon"}, "POLL_INTERVAL"},
		{"poll too short", map[string]string{"POLL_INTERVAL": "1ms"}, "PollInterval"},
		{"bad latitude", map[string]string{"DEFAULT_CENTER_LAT": "91"}, "DefaultCenterLat"},
		{"bad number", map[string]string{"MAX_PATH_POINTS": "many"}, "MAX_PATH_POINTS"},
		{"bad api url", map[string]string{"API_BASE_URL": "not a url"}, "APIBaseURL"},
		{"missing file", map[string]string{"CONFIG_FILE": "/nonexistent/tracker.yml"}, "config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			config, err := Load()
			if err == nil {
				t.Fatal("Load() should have failed")
			}
			if config != nil {
				t.Error("Load() should have returned nil config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}
