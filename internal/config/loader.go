package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// LoadFromViper builds a Config from the defaults plus every key set in v,
// then validates it.
func LoadFromViper(v *viper.Viper) (Config, error) {
	cfg := Default()

	if v.IsSet("identity") {
		cfg.Identity = v.GetString("identity")
	}
	if v.IsSet("room") {
		cfg.Room = v.GetString("room")
	}

	// Log settings
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		cfg.Log.Format = v.GetString("log.format")
	}
	if v.IsSet("log.file") {
		cfg.Log.File = v.GetString("log.file")
	}

	// Transport settings
	if v.IsSet("transport.mode") {
		cfg.Transport.Mode = v.GetString("transport.mode")
	}
	if v.IsSet("transport.address") {
		cfg.Transport.Address = v.GetString("transport.address")
	}
	if err := loadDuration(v, "transport.redial_pause", &cfg.Transport.RedialPause); err != nil {
		return cfg, err
	}
	if v.IsSet("transport.send_queue") {
		cfg.Transport.SendQueue = v.GetInt("transport.send_queue")
	}
	if v.IsSet("transport.replay") {
		cfg.Transport.Replay = v.GetBool("transport.replay")
	}

	// Capture settings
	if v.IsSet("capture.source") {
		cfg.Capture.Source = v.GetString("capture.source")
	}
	if v.IsSet("capture.file") {
		cfg.Capture.File = v.GetString("capture.file")
	}
	if v.IsSet("capture.tone_hz") {
		cfg.Capture.ToneHz = v.GetFloat64("capture.tone_hz")
	}
	if err := loadDuration(v, "capture.chunk_duration", &cfg.Capture.ChunkDuration); err != nil {
		return cfg, err
	}
	// The stop delay follows the chunk duration unless set on its own.
	cfg.Capture.StopDelay = cfg.Capture.ChunkDuration
	if err := loadDuration(v, "capture.stop_delay", &cfg.Capture.StopDelay); err != nil {
		return cfg, err
	}
	if v.IsSet("capture.sample_rate") {
		cfg.Capture.SampleRate = v.GetInt("capture.sample_rate")
	}
	if v.IsSet("capture.channels") {
		cfg.Capture.Channels = v.GetInt("capture.channels")
	}
	if v.IsSet("capture.bit_depth") {
		cfg.Capture.BitDepth = v.GetInt("capture.bit_depth")
	}

	// Playback settings
	if v.IsSet("playback.enabled") {
		cfg.Playback.Enabled = v.GetBool("playback.enabled")
	}
	if v.IsSet("playback.device") {
		cfg.Playback.Device = v.GetString("playback.device")
	}
	if v.IsSet("playback.volume") {
		cfg.Playback.Volume = v.GetFloat64("playback.volume")
	}

	// Archive settings
	if v.IsSet("archive.enabled") {
		cfg.Archive.Enabled = v.GetBool("archive.enabled")
	}
	if v.IsSet("archive.dir") {
		cfg.Archive.Dir = v.GetString("archive.dir")
	}
	if v.IsSet("archive.compression_level") {
		cfg.Archive.CompressionLevel = v.GetInt("archive.compression_level")
	}

	// Hub settings
	if v.IsSet("hub.listen") {
		cfg.Hub.Listen = v.GetString("hub.listen")
	}
	if err := loadDuration(v, "hub.ping_interval", &cfg.Hub.PingInterval); err != nil {
		return cfg, err
	}
	if err := loadDuration(v, "hub.pong_wait", &cfg.Hub.PongWait); err != nil {
		return cfg, err
	}
	if v.IsSet("hub.max_message_size") {
		cfg.Hub.MaxMessageSize = v.GetInt64("hub.max_message_size")
	}
	if v.IsSet("hub.rate_limit") {
		cfg.Hub.RateLimit = v.GetFloat64("hub.rate_limit")
	}
	if v.IsSet("hub.burst") {
		cfg.Hub.Burst = v.GetInt("hub.burst")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDuration reads a duration written as "250ms" or as a bare number of
// seconds.
func loadDuration(v *viper.Viper, key string, dst *time.Duration) error {
	if !v.IsSet(key) {
		return nil
	}
	switch raw := v.Get(key).(type) {
	case time.Duration:
		*dst = raw
	case int, int64, float64:
		*dst = time.Duration(v.GetFloat64(key) * float64(time.Second))
	default:
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// SetDefaults sets default values in v for every key.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("room", d.Room)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("transport.mode", d.Transport.Mode)
	v.SetDefault("transport.address", d.Transport.Address)
	v.SetDefault("transport.redial_pause", d.Transport.RedialPause.String())
	v.SetDefault("transport.send_queue", d.Transport.SendQueue)
	v.SetDefault("transport.replay", d.Transport.Replay)

	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.tone_hz", d.Capture.ToneHz)
	v.SetDefault("capture.chunk_duration", d.Capture.ChunkDuration.String())
	v.SetDefault("capture.sample_rate", d.Capture.SampleRate)
	v.SetDefault("capture.channels", d.Capture.Channels)
	v.SetDefault("capture.bit_depth", d.Capture.BitDepth)

	v.SetDefault("playback.enabled", d.Playback.Enabled)
	v.SetDefault("playback.device", d.Playback.Device)
	v.SetDefault("playback.volume", d.Playback.Volume)

	v.SetDefault("archive.enabled", d.Archive.Enabled)
	v.SetDefault("archive.compression_level", d.Archive.CompressionLevel)

	v.SetDefault("hub.listen", d.Hub.Listen)
	v.SetDefault("hub.ping_interval", d.Hub.PingInterval.String())
	v.SetDefault("hub.pong_wait", d.Hub.PongWait.String())
	v.SetDefault("hub.max_message_size", d.Hub.MaxMessageSize)
	v.SetDefault("hub.rate_limit", d.Hub.RateLimit)
	v.SetDefault("hub.burst", d.Hub.Burst)
}
