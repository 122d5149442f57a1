package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// TestDefault tests that the default configuration is valid.
func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if cfg.Transport.Mode != ModeSocket {
		t.Errorf("Default mode should be socket, got %s", cfg.Transport.Mode)
	}
	if cfg.Archive.Enabled {
		t.Error("archive should be disabled by default")
	}
	if cfg.Capture.ChunkDuration != 500*time.Millisecond || cfg.Capture.SampleRate != 44100 {
		t.Errorf("capture defaults = %+v", cfg.Capture)
	}
}

// TestValidate tests configuration validation.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid room",
			modify:  func(c *Config) { c.Room = "no spaces" },
			wantErr: true,
			errMsg:  "invalid room name",
		},
		{
			name:   "level is case insensitive",
			modify: func(c *Config) { c.Log.Level = "DEBUG" },
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
			errMsg:  "invalid log format",
		},
		{
			name:    "invalid mode",
			modify:  func(c *Config) { c.Transport.Mode = "carrier-pigeon" },
			wantErr: true,
			errMsg:  "invalid mode",
		},
		{
			name:    "address without host",
			modify:  func(c *Config) { c.Transport.Address = "ws://" },
			wantErr: true,
			errMsg:  "has no host",
		},
		{
			name:    "address with wrong scheme",
			modify:  func(c *Config) { c.Transport.Address = "ftp://example.com" },
			wantErr: true,
			errMsg:  "must use ws",
		},
		{
			name: "store mode ignores address",
			modify: func(c *Config) {
				c.Transport.Mode = ModeStore
				c.Transport.Address = ""
			},
		},
		{
			name:    "send queue too small",
			modify:  func(c *Config) { c.Transport.SendQueue = 0 },
			wantErr: true,
			errMsg:  "send_queue must be between",
		},
		{
			name:    "file source without file",
			modify:  func(c *Config) { c.Capture.Source = SourceFile },
			wantErr: true,
			errMsg:  "capture.file",
		},
		{
			name:    "tone out of range",
			modify: func(c *Config) {
				c.Capture.Source = SourceTone
				c.Capture.ToneHz = 0
			},
			wantErr: true,
			errMsg:  "tone_hz",
		},
		{
			name:    "invalid sample rate",
			modify:  func(c *Config) { c.Capture.SampleRate = 12345 },
			wantErr: true,
			errMsg:  "invalid sample rate",
		},
		{
			name:    "unsupported bit depth",
			modify:  func(c *Config) { c.Capture.BitDepth = 24 },
			wantErr: true,
			errMsg:  "bit_depth",
		},
		{
			name:    "chunk too short",
			modify:  func(c *Config) { c.Capture.ChunkDuration = time.Millisecond },
			wantErr: true,
			errMsg:  "chunk_duration",
		},
		{
			name:    "volume too high",
			modify:  func(c *Config) { c.Playback.Volume = 1.5 },
			wantErr: true,
			errMsg:  "volume must be between",
		},
		{
			name:    "invalid device",
			modify:  func(c *Config) { c.Playback.Device = "headphones" },
			wantErr: true,
			errMsg:  "invalid device",
		},
		{
			name:    "compression level",
			modify:  func(c *Config) { c.Archive.CompressionLevel = 23 },
			wantErr: true,
			errMsg:  "compression_level",
		},
		{
			name: "ping must be shorter than pong wait",
			modify: func(c *Config) {
				c.Hub.PingInterval = time.Minute
				c.Hub.PongWait = time.Second
			},
			wantErr: true,
			errMsg:  "must be shorter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error %q should contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("identity", "alice")
	v.Set("room", "ops")
	v.Set("log.level", "warn")
	v.Set("transport.redial_pause", "1s")
	v.Set("capture.source", "tone")
	v.Set("capture.chunk_duration", 0.25)
	v.Set("playback.device", "null")
	v.Set("hub.burst", 7)

	cfg, err := LoadFromViper(v)
	if err != nil {
		t.Fatalf("LoadFromViper failed: %v", err)
	}

	if cfg.Identity != "alice" || cfg.Room != "ops" || cfg.Log.Level != "warn" {
		t.Errorf("top-level values not loaded: %+v", cfg)
	}
	if cfg.Transport.RedialPause != time.Second {
		t.Errorf("RedialPause = %v", cfg.Transport.RedialPause)
	}
	if cfg.Capture.ChunkDuration != 250*time.Millisecond {
		t.Errorf("ChunkDuration = %v", cfg.Capture.ChunkDuration)
	}
	if cfg.Capture.StopDelay != 250*time.Millisecond {
		t.Errorf("StopDelay should follow ChunkDuration, got %v", cfg.Capture.StopDelay)
	}
	if cfg.Playback.Device != DeviceNull || cfg.Hub.Burst != 7 {
		t.Errorf("nested values not loaded: %+v %+v", cfg.Playback, cfg.Hub)
	}

	// Untouched keys keep their defaults.
	if cfg.Capture.SampleRate != 44100 || cfg.Transport.SendQueue != 256 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadFromViper_Errors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"bad duration", "hub.pong_wait", "soon"},
		{"invalid value", "capture.channels", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.value)
			if _, err := LoadFromViper(v); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFromViper_YAML(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
room: lobby
transport:
  mode: store
capture:
  chunk_duration: 100ms
archive:
  enabled: true
  dir: /tmp/walkie
`))
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromViper(v)
	if err != nil {
		t.Fatalf("LoadFromViper failed: %v", err)
	}
	if cfg.Transport.Mode != ModeStore || cfg.Capture.ChunkDuration != 100*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Dir != "/tmp/walkie" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
}

func TestRoomURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"ws://localhost:8765", "ws://localhost:8765/rooms/lobby/ws"},
		{"http://relay.example.com/", "ws://relay.example.com/rooms/lobby/ws"},
		{"https://relay.example.com/walkie", "wss://relay.example.com/walkie/rooms/lobby/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			cfg := Default()
			cfg.Transport.Address = tt.address
			got, err := cfg.RoomURL()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("RoomURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Capture.Channels = 2

	cc := cfg.Capture.ToCaptureConfig()
	if cc.Constraints.Channels != 2 || cc.ChunkDuration != cfg.Capture.ChunkDuration {
		t.Errorf("capture = %+v", cc)
	}
	wc := cfg.Transport.ToWebSocketConfig()
	if !wc.Replay || wc.SendQueue != 256 {
		t.Errorf("websocket = %+v", wc)
	}
	hc := cfg.Hub.ToHubConfig()
	if hc.Burst != cfg.Hub.Burst || hc.PongWait != cfg.Hub.PongWait {
		t.Errorf("hub = %+v", hc)
	}
}

func TestEnvConfig(t *testing.T) {
	t.Setenv("WALKIE_DEBUG", "true")
	t.Setenv("WALKIE_IDENTITY", "bob")
	t.Setenv("WALKIE_LOG_FILE", "/tmp/walkie.log")

	e, err := ParseEnv()
	if err != nil {
		t.Fatalf("ParseEnv failed: %v", err)
	}

	cfg := Default()
	e.Apply(&cfg)
	if cfg.Log.Level != "debug" || cfg.Identity != "bob" || cfg.Log.File != "/tmp/walkie.log" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "walkie.yml")
	os.WriteFile(path, []byte("room: a\n"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	if err := Watch(ctx, path, func() { changed <- struct{}{} }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Other files in the directory are ignored.
	os.WriteFile(filepath.Join(dir, "other.yml"), []byte("x"), 0o644)
	select {
	case <-changed:
		t.Fatal("change reported for another file")
	case <-time.After(250 * time.Millisecond):
	}

	// Several quick writes settle into one notification.
	for i := 0; i < 3; i++ {
		os.WriteFile(path, []byte("room: b\n"), 0o644)
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case <-changed:
		t.Error("burst of writes reported more than once")
	case <-time.After(250 * time.Millisecond):
	}
}
