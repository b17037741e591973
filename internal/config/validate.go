package config

import (
	"fmt"
	"os"
	"text/template"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Ingestion.Validate(); err != nil {
		return fmt.Errorf("ingestion config: %w", err)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.HTTPPort)
	}

	if s.RateLimit < 0 || s.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst cannot be negative")
	}

	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	if !s.HTTP3Enabled() {
		return nil
	}

	if s.HTTP3Port < 1 || s.HTTP3Port > 65535 {
		return fmt.Errorf("invalid HTTP3 port: %d", s.HTTP3Port)
	}
	if s.HTTP3Port == s.HTTPPort {
		return fmt.Errorf("http3_port must differ from http_port")
	}
	if _, err := os.Stat(s.TLSCertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file not found: %s", s.TLSCertFile)
	}
	if _, err := os.Stat(s.TLSKeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file not found: %s", s.TLSKeyFile)
	}
	if s.MaxIncomingStreams <= 0 {
		return fmt.Errorf("max_incoming_streams must be positive")
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 || r.DB > 15 {
		return fmt.Errorf("invalid Redis DB: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true,
		"error": true, "fatal": true, "panic": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("log output is required")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", m.Port)
	}

	if m.Path == "" || m.Path[0] != '/' {
		return fmt.Errorf("metrics path must start with /")
	}

	return nil
}

func (i *IngestionConfig) Validate() error {
	if i.Codec != "raw" && i.Codec != "libav" {
		return fmt.Errorf("invalid codec %q (must be raw or libav)", i.Codec)
	}

	if err := i.Process.Validate(); err != nil {
		return fmt.Errorf("process: %w", err)
	}

	if err := i.Producer.Validate(); err != nil {
		return fmt.Errorf("producer: %w", err)
	}

	if err := i.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	seen := make(map[string]bool, len(i.Sessions))
	for _, s := range i.Sessions {
		if s.ID == "" {
			return fmt.Errorf("session id is required")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Resource == "" {
			return fmt.Errorf("session %q: resource is required", s.ID)
		}
		if err := s.Producer.Validate(); err != nil {
			return fmt.Errorf("session %q: %w", s.ID, err)
		}
	}

	return nil
}

func (p *ProcessConfig) Validate() error {
	if p.Binary == "" {
		return fmt.Errorf("binary is required")
	}

	for _, arg := range p.Args {
		if _, err := template.New("arg").Parse(arg); err != nil {
			return fmt.Errorf("invalid argument template %q: %w", arg, err)
		}
	}

	if p.PipeDir == "" {
		return fmt.Errorf("pipe_dir is required")
	}

	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}

	if p.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}

	if p.WatchdogCalls < 1 {
		return fmt.Errorf("watchdog_calls must be at least 1")
	}

	if p.RestartDelay < 0 || p.MaxRestartDelay < p.RestartDelay {
		return fmt.Errorf("restart_delay must be non-negative and not exceed max_restart_delay")
	}

	return nil
}

func (p *ProducerConfig) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", p.Width, p.Height)
	}

	if p.OutputFPS <= 0 {
		return fmt.Errorf("output_fps must be positive")
	}

	if p.ForceInputFPS < 0 {
		return fmt.Errorf("force_input_fps cannot be negative")
	}

	if p.SampleRate <= 0 || p.Channels <= 0 {
		return fmt.Errorf("invalid audio format %d Hz x %d channels", p.SampleRate, p.Channels)
	}

	if p.SampleFormat != "s16le" && p.SampleFormat != "s32le" {
		return fmt.Errorf("unsupported sample_format %q", p.SampleFormat)
	}

	if p.BufferMax <= 0 || p.BufferEnough <= 0 || p.BufferEnough > p.BufferMax {
		return fmt.Errorf("buffer_enough must be positive and not exceed buffer_max")
	}

	if p.OverflowTolerance < 0 || p.DropInterval < 0 {
		return fmt.Errorf("overflow_tolerance and drop_interval cannot be negative")
	}

	// Desync correction discards sync_frames-2 units, which must leave one.
	if p.SyncFrames < 3 {
		return fmt.Errorf("sync_frames must be at least 3")
	}

	if p.UnsyncPatience < 1 {
		return fmt.Errorf("unsync_patience must be at least 1")
	}

	if p.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}

	if p.VariableFPSJT < 1 {
		return fmt.Errorf("variable_fps_jt must be at least 1")
	}

	for _, v := range p.VariableFPSList {
		if v < 0 {
			return fmt.Errorf("variable_fps_values cannot contain negative rates")
		}
	}

	if p.NoAudio && p.NoVideo {
		return fmt.Errorf("no_audio and no_video cannot both be set")
	}

	if err := p.Drift.Validate(); err != nil {
		return err
	}

	if !p.Drift.Disabled && p.Drift.MaxDropTimeMs*p.SampleRate/1000 >= p.Drift.FrameSamples {
		return fmt.Errorf("drift max_drop_time_ms must be shorter than one frame of samples")
	}

	return nil
}

func (d *DriftConfig) Validate() error {
	if d.Disabled {
		return nil
	}

	if d.FrameSamples <= 0 {
		return fmt.Errorf("drift frame_samples must be positive")
	}

	if d.FrameTimeMs <= 0 {
		return fmt.Errorf("drift frame_time_ms must be positive")
	}

	if d.MaxDropTimeMs <= 0 || d.MinDropIntervalMs < 0 || d.BorderLatencyMs < 0 || d.IgnoreRestSamples < 0 {
		return fmt.Errorf("drift timings out of range")
	}

	if d.SeekWindowMs <= 0 || d.OverlapMs <= 0 {
		return fmt.Errorf("drift seek_window_ms and overlap_ms must be positive")
	}

	if d.DebugLevel < 0 || d.DebugLevel > 5 {
		return fmt.Errorf("drift debug_level must be within 0..5")
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if r.KeyPrefix == "" {
		return fmt.Errorf("key_prefix is required")
	}
	if r.TTL <= 0 || r.HeartbeatInterval <= 0 {
		return fmt.Errorf("ttl and heartbeat_interval must be positive")
	}
	if r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("heartbeat_interval must be shorter than ttl")
	}
	return nil
}
