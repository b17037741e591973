package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DebugEndpoints  bool          `mapstructure:"debug_endpoints"`
	// RateLimit caps API requests per second across all clients; 0 disables.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// HTTP/3 listener, started only when both TLS files are set
	HTTP3Port          int           `mapstructure:"http3_port"`
	TLSCertFile        string        `mapstructure:"tls_cert_file"`
	TLSKeyFile         string        `mapstructure:"tls_key_file"`
	MaxIncomingStreams int64         `mapstructure:"max_incoming_streams"`
	MaxIdleTimeout     time.Duration `mapstructure:"max_idle_timeout"`
}

// HTTP3Enabled reports whether TLS material for the HTTP/3 listener is configured.
func (s *ServerConfig) HTTP3Enabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

type IngestionConfig struct {
	// Codec selects the demux/decode backend: "raw" or "libav".
	Codec          string          `mapstructure:"codec"`
	AllowedSchemes []string        `mapstructure:"allowed_schemes"`
	Process        ProcessConfig   `mapstructure:"process"`
	Producer       ProducerConfig  `mapstructure:"producer"`
	Registry       RegistryConfig  `mapstructure:"registry"`
	Sessions       []SessionConfig `mapstructure:"sessions"`
}

// ProcessConfig describes how the external decoder is launched and connected.
type ProcessConfig struct {
	Binary string `mapstructure:"binary"`
	// Args are rendered one by one with text/template. An argument that is
	// exactly "{{.Optional}}" expands into zero or more arguments.
	Args            []string      `mapstructure:"args"`
	PipeDir         string        `mapstructure:"pipe_dir"`
	PipePrefix      string        `mapstructure:"pipe_prefix"`
	CacheSize       int           `mapstructure:"cache_size"` // KiB
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WatchdogCalls   int           `mapstructure:"watchdog_calls"`
	RestartDelay    time.Duration `mapstructure:"restart_delay"`
	MaxRestartDelay time.Duration `mapstructure:"max_restart_delay"`
	// OutputLogDir, when set, receives the raw subprocess output of each
	// session as <session id>.log, rotated.
	OutputLogDir string `mapstructure:"output_log_dir"`
}

// ProducerConfig carries every per-session tunable. The ingestion section
// holds the defaults; sessions override individual keys.
type ProducerConfig struct {
	Width         int     `mapstructure:"width"`
	Height        int     `mapstructure:"height"`
	OutputFPS     float64 `mapstructure:"output_fps"`
	SampleRate    int     `mapstructure:"sample_rate"`
	Channels      int     `mapstructure:"channels"`
	SampleFormat  string  `mapstructure:"sample_format"`
	ForceInputFPS float64 `mapstructure:"force_input_fps"` // 0 autodetects

	BufferMax         time.Duration `mapstructure:"buffer_max"`
	BufferEnough      time.Duration `mapstructure:"buffer_enough"`
	OverflowTolerance time.Duration `mapstructure:"overflow_tolerance"`
	DropInterval      time.Duration `mapstructure:"drop_interval"`
	SyncFrames        int           `mapstructure:"sync_frames"`
	UnsyncPatience    int           `mapstructure:"unsync_patience"`
	Delay             int           `mapstructure:"delay"`

	VariableFPS     bool      `mapstructure:"variable_fps"`
	VariableFPSJT   int       `mapstructure:"variable_fps_jt"`
	VariableFPSList []float64 `mapstructure:"variable_fps_values"`

	NoAudio   bool `mapstructure:"no_audio"`
	NoVideo   bool `mapstructure:"no_video"`
	VideoDup  bool `mapstructure:"video_dup"`
	DontClick bool `mapstructure:"dont_click"`

	ExtraParams string      `mapstructure:"extra_params"`
	DebugLevel  int         `mapstructure:"debug_level"`
	Drift       DriftConfig `mapstructure:"drift"`
}

// DriftConfig tunes the audio drift corrector.
type DriftConfig struct {
	Disabled          bool `mapstructure:"disabled"`
	NoDropMode        bool `mapstructure:"no_drop_mode"`
	FrameSamples      int  `mapstructure:"frame_samples"`
	FrameTimeMs       int  `mapstructure:"frame_time_ms"`
	MinDropIntervalMs int  `mapstructure:"min_drop_interval_ms"`
	MaxDropTimeMs     int  `mapstructure:"max_drop_time_ms"`
	BorderLatencyMs   int  `mapstructure:"border_latency_ms"`
	IgnoreRestSamples int  `mapstructure:"ignore_rest_samples"`
	SeekWindowMs      int  `mapstructure:"seek_window_ms"`
	OverlapMs         int  `mapstructure:"overlap_ms"`
	DebugLevel        int  `mapstructure:"debug_level"`
}

type RegistryConfig struct {
	KeyPrefix         string        `mapstructure:"key_prefix"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SessionConfig declares one ingestion session started at boot.
type SessionConfig struct {
	ID        string                 `mapstructure:"id"`
	Resource  string                 `mapstructure:"resource"`
	Overrides map[string]interface{} `mapstructure:"overrides"`

	// Producer is the ingestion default merged with Overrides by Load.
	Producer ProducerConfig `mapstructure:"-"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Ingestion.resolveSessions(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (i *IngestionConfig) resolveSessions() error {
	for idx := range i.Sessions {
		s := &i.Sessions[idx]
		merged, err := i.Producer.Merge(s.Overrides)
		if err != nil {
			return fmt.Errorf("session %q overrides: %w", s.ID, err)
		}
		s.Producer = merged
	}
	return nil
}

// Merge returns a copy of p with the keys of overrides applied. Keys use the
// same names as the YAML producer section.
func (p ProducerConfig) Merge(overrides map[string]interface{}) (ProducerConfig, error) {
	out := p
	out.VariableFPSList = append([]float64(nil), p.VariableFPSList...)
	if len(overrides) == 0 {
		return out, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToWeakSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &out,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(overrides); err != nil {
		return p, err
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.http3_port", 8443)
	v.SetDefault("server.max_incoming_streams", 1000)
	v.SetDefault("server.max_idle_timeout", "30s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// Ingestion
	v.SetDefault("ingestion.codec", "libav")
	v.SetDefault("ingestion.allowed_schemes", []string{"rtsp", "rtmp", "rtp", "udp", "http", "https", "mms", "file"})

	v.SetDefault("ingestion.process.binary", "mplayer")
	v.SetDefault("ingestion.process.args", []string{
		"-really-quiet", "-nolirc", "-noconsolecontrols",
		"-vo", "yuv4mpeg:file={{.VideoPipe}}",
		"-vf", "scale={{.Width}}:{{.Height}}",
		"-ao", "pcm:nowaveheader:fast:file={{.AudioPipe}}",
		"-af", "format={{.SampleFormat}},channels={{.Channels}},resample={{.SampleRate}}",
		"-cache", "{{.CacheSize}}",
		"{{.Optional}}",
		"{{.Resource}}",
	})
	v.SetDefault("ingestion.process.pipe_dir", "/tmp")
	v.SetDefault("ingestion.process.pipe_prefix", "cadence")
	v.SetDefault("ingestion.process.cache_size", 2048)
	v.SetDefault("ingestion.process.connect_timeout", "20s")
	v.SetDefault("ingestion.process.read_timeout", "12s")
	v.SetDefault("ingestion.process.watchdog_calls", 50)
	v.SetDefault("ingestion.process.restart_delay", "100ms")
	v.SetDefault("ingestion.process.max_restart_delay", "5s")

	v.SetDefault("ingestion.producer.width", 1920)
	v.SetDefault("ingestion.producer.height", 1080)
	v.SetDefault("ingestion.producer.output_fps", 25.0)
	v.SetDefault("ingestion.producer.sample_rate", 48000)
	v.SetDefault("ingestion.producer.channels", 2)
	v.SetDefault("ingestion.producer.sample_format", "s32le")
	v.SetDefault("ingestion.producer.force_input_fps", 0.0)
	v.SetDefault("ingestion.producer.buffer_max", "2s")
	v.SetDefault("ingestion.producer.buffer_enough", "1s")
	v.SetDefault("ingestion.producer.overflow_tolerance", "0s")
	v.SetDefault("ingestion.producer.drop_interval", "500ms")
	v.SetDefault("ingestion.producer.sync_frames", 10)
	v.SetDefault("ingestion.producer.unsync_patience", 30)
	v.SetDefault("ingestion.producer.delay", 0)
	v.SetDefault("ingestion.producer.variable_fps", false)
	v.SetDefault("ingestion.producer.variable_fps_jt", 3)
	v.SetDefault("ingestion.producer.video_dup", false)
	v.SetDefault("ingestion.producer.dont_click", false)

	v.SetDefault("ingestion.producer.drift.frame_samples", 2016)
	v.SetDefault("ingestion.producer.drift.frame_time_ms", 50)
	v.SetDefault("ingestion.producer.drift.min_drop_interval_ms", 75)
	v.SetDefault("ingestion.producer.drift.max_drop_time_ms", 10)
	v.SetDefault("ingestion.producer.drift.border_latency_ms", 0)
	v.SetDefault("ingestion.producer.drift.ignore_rest_samples", 64)
	v.SetDefault("ingestion.producer.drift.seek_window_ms", 15)
	v.SetDefault("ingestion.producer.drift.overlap_ms", 8)

	v.SetDefault("ingestion.registry.key_prefix", "cadence:sessions:")
	v.SetDefault("ingestion.registry.ttl", "30s")
	v.SetDefault("ingestion.registry.heartbeat_interval", "5s")
}
