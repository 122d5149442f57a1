package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dgnsrekt/walkie/internal/capture"
	"github.com/dgnsrekt/walkie/internal/hub"
	"github.com/dgnsrekt/walkie/internal/ptt"
	"github.com/dgnsrekt/walkie/internal/transport"
)

// Transport modes.
const (
	ModeSocket = "socket"
	ModeStore  = "store"
)

// Capture sources.
const (
	SourceMic  = "mic"
	SourceTone = "tone"
	SourceFile = "file"
)

// Playback devices.
const (
	DeviceSpeaker = "speaker"
	DeviceNull    = "null"
)

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json", "logfmt"}
)

// Config contains every walkie option.
type Config struct {
	Identity string `yaml:"identity"`
	Room     string `yaml:"room"`

	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Hub       HubConfig       `yaml:"hub"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// TransportConfig controls how a peer reaches the room.
type TransportConfig struct {
	Mode        string        `yaml:"mode"`
	Address     string        `yaml:"address"`
	RedialPause time.Duration `yaml:"redial_pause"`
	SendQueue   int           `yaml:"send_queue"`
	Replay      bool          `yaml:"replay"`
}

// CaptureConfig controls the local capture stream.
type CaptureConfig struct {
	Source        string        `yaml:"source"`
	File          string        `yaml:"file"`
	ToneHz        float64       `yaml:"tone_hz"`
	ChunkDuration time.Duration `yaml:"chunk_duration"`
	StopDelay     time.Duration `yaml:"stop_delay"`
	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
	BitDepth      int           `yaml:"bit_depth"`
}

// PlaybackConfig controls rendering of received audio.
type PlaybackConfig struct {
	Enabled bool    `yaml:"enabled"`
	Device  string  `yaml:"device"`
	Volume  float64 `yaml:"volume"`
}

// ArchiveConfig controls the on-disk archive of received transmissions.
type ArchiveConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Dir              string `yaml:"dir"` // empty selects the user data dir
	CompressionLevel int    `yaml:"compression_level"`
}

// HubConfig controls the relay server.
type HubConfig struct {
	Listen         string        `yaml:"listen"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	hc := hub.DefaultConfig()
	return Config{
		Room: ptt.DefaultRoom,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transport: TransportConfig{
			Mode:        ModeSocket,
			Address:     "ws://localhost:8765",
			RedialPause: 250 * time.Millisecond,
			SendQueue:   256,
			Replay:      true,
		},
		Capture: CaptureConfig{
			Source:        SourceMic,
			ToneHz:        440,
			ChunkDuration: ptt.DefaultChunkDuration,
			StopDelay:     ptt.DefaultChunkDuration,
			SampleRate:    ptt.DefaultSampleRate,
			Channels:      ptt.DefaultChannels,
			BitDepth:      ptt.DefaultBitDepth,
		},
		Playback: PlaybackConfig{
			Enabled: true,
			Device:  DeviceSpeaker,
			Volume:  1.0,
		},
		Archive: ArchiveConfig{
			Enabled:          false,
			CompressionLevel: 3,
		},
		Hub: HubConfig{
			Listen:         ":8765",
			PingInterval:   hc.PingInterval,
			PongWait:       hc.PongWait,
			MaxMessageSize: hc.MaxMessageSize,
			RateLimit:      hc.RateLimit,
			Burst:          hc.Burst,
		},
	}
}

// Validate checks if the configuration is valid. It normalizes the case of
// enumerated values.
func (c *Config) Validate() error {
	if err := ptt.ValidateRoom(c.Room); err != nil {
		return err
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if !slices.Contains(validLevels, c.Log.Level) {
		return fmt.Errorf("invalid log level '%s': must be one of %v", c.Log.Level, validLevels)
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if !slices.Contains(validFormats, c.Log.Format) {
		return fmt.Errorf("invalid log format '%s': must be one of %v", c.Log.Format, validFormats)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}
	if c.Archive.CompressionLevel < 0 || c.Archive.CompressionLevel > 22 {
		return fmt.Errorf("archive config: compression_level must be between 0 and 22, got %d", c.Archive.CompressionLevel)
	}
	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("hub config: %w", err)
	}
	return nil
}

// Validate checks if the transport configuration is valid.
func (c *TransportConfig) Validate() error {
	c.Mode = strings.ToLower(c.Mode)
	switch c.Mode {
	case ModeSocket:
		u, err := url.Parse(c.Address)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", c.Address, err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("address %q must use ws, wss, http or https", c.Address)
		}
		if u.Host == "" {
			return fmt.Errorf("address %q has no host", c.Address)
		}
	case ModeStore:
	default:
		return fmt.Errorf("invalid mode '%s': must be %s or %s", c.Mode, ModeSocket, ModeStore)
	}

	if c.RedialPause < 0 {
		return fmt.Errorf("redial_pause cannot be negative, got %v", c.RedialPause)
	}
	if c.SendQueue < 1 || c.SendQueue > 65536 {
		return fmt.Errorf("send_queue must be between 1 and 65536, got %d", c.SendQueue)
	}
	return nil
}

// Validate checks if the capture configuration is valid.
func (c *CaptureConfig) Validate() error {
	c.Source = strings.ToLower(c.Source)
	switch c.Source {
	case SourceMic:
	case SourceTone:
		if c.ToneHz <= 0 || c.ToneHz > 20000 {
			return fmt.Errorf("tone_hz must be between 0 and 20000, got %v", c.ToneHz)
		}
	case SourceFile:
		if c.File == "" {
			return fmt.Errorf("file source needs capture.file")
		}
	default:
		return fmt.Errorf("invalid source '%s': must be one of %v", c.Source, []string{SourceMic, SourceTone, SourceFile})
	}

	if c.ChunkDuration < 10*time.Millisecond || c.ChunkDuration > 10*time.Second {
		return fmt.Errorf("chunk_duration must be between 10ms and 10s, got %v", c.ChunkDuration)
	}
	if c.StopDelay < 0 {
		return fmt.Errorf("stop_delay cannot be negative, got %v", c.StopDelay)
	}

	validSampleRates := []int{8000, 16000, 22050, 24000, 44100, 48000}
	if !slices.Contains(validSampleRates, c.SampleRate) {
		return fmt.Errorf("invalid sample rate %d: must be one of %v", c.SampleRate, validSampleRates)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", c.Channels)
	}
	if c.BitDepth != ptt.DefaultBitDepth {
		return fmt.Errorf("bit_depth must be %d, got %d", ptt.DefaultBitDepth, c.BitDepth)
	}
	return nil
}

// Validate checks if the playback configuration is valid.
func (c *PlaybackConfig) Validate() error {
	c.Device = strings.ToLower(c.Device)
	if c.Device != DeviceSpeaker && c.Device != DeviceNull {
		return fmt.Errorf("invalid device '%s': must be %s or %s", c.Device, DeviceSpeaker, DeviceNull)
	}
	if c.Volume < 0.0 || c.Volume > 1.0 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", c.Volume)
	}
	return nil
}

// Validate checks if the hub configuration is valid.
func (c *HubConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.PingInterval <= 0 || c.PongWait <= 0 {
		return fmt.Errorf("ping_interval and pong_wait must be positive")
	}
	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("ping_interval (%v) must be shorter than pong_wait (%v)", c.PingInterval, c.PongWait)
	}
	if c.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024, got %d", c.MaxMessageSize)
	}
	if c.RateLimit <= 0 || c.Burst < 1 {
		return fmt.Errorf("rate_limit and burst must be positive")
	}
	return nil
}

// RoomURL returns the hub endpoint for the configured room.
func (c Config) RoomURL() (string, error) {
	u, err := url.Parse(c.Transport.Address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", c.Transport.Address, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.JoinPath("rooms", c.Room, "ws").String(), nil
}

// Session builds the session context for this configuration.
func (c Config) Session() (ptt.SessionContext, error) {
	return ptt.NewSessionContext(c.Identity, c.Room)
}

// ToCaptureConfig converts to the capture session configuration.
func (c CaptureConfig) ToCaptureConfig() capture.Config {
	return capture.Config{
		ChunkDuration: c.ChunkDuration,
		StopDelay:     c.StopDelay,
		BitDepth:      c.BitDepth,
		Constraints: capture.Constraints{
			SampleRate: c.SampleRate,
			Channels:   c.Channels,
		},
	}
}

// ToWebSocketConfig converts to the socket channel configuration.
func (c TransportConfig) ToWebSocketConfig() transport.WebSocketConfig {
	return transport.WebSocketConfig{
		RedialPause: c.RedialPause,
		SendQueue:   c.SendQueue,
		Replay:      c.Replay,
	}
}

// ToHubConfig converts to the relay configuration.
func (c HubConfig) ToHubConfig() hub.Config {
	return hub.Config{
		PingInterval:   c.PingInterval,
		PongWait:       c.PongWait,
		MaxMessageSize: c.MaxMessageSize,
		RateLimit:      c.RateLimit,
		Burst:          c.Burst,
	}
}
