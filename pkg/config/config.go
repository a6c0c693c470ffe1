package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
		VideoPath    string        `yaml:"video_path"`
	} `yaml:"signal"`

	// Upstream describes the surveillance platform the gateway brokers for.
	Upstream struct {
		Scheme           string        `yaml:"scheme"`
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		MediaPort        int           `yaml:"media_port"`
		InsecureTLS      bool          `yaml:"insecure_tls"`
		Timeout          time.Duration `yaml:"timeout"`
		ServicePassword  string        `yaml:"service_password"`
		OperatorLogin    string        `yaml:"operator_login"`
		OperatorPassword string        `yaml:"operator_password"`
		FallbackPassword string        `yaml:"fallback_password"`
		SessionTTL       time.Duration `yaml:"session_ttl"`
		PingTimeout      time.Duration `yaml:"ping_timeout"`

		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"upstream"`

	Stream struct {
		DefaultMode        string        `yaml:"default_mode"`
		Containers         []string      `yaml:"containers"`
		RelaunchContainers []string      `yaml:"relaunch_containers"`
		MaxRestarts        int           `yaml:"max_restarts"`
		RestartDelay       time.Duration `yaml:"restart_delay"`
		InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`
		TokenPingInterval  time.Duration `yaml:"token_ping_interval"`
		ScreenshotInterval time.Duration `yaml:"screenshot_interval"`
	} `yaml:"stream"`

	Transcoder struct {
		Path         string `yaml:"path"`
		Quality      int    `yaml:"quality"`
		VideoBitrate string `yaml:"video_bitrate"`
		Scale        string `yaml:"scale"`
	} `yaml:"transcoder"`

	Pos struct {
		PollInterval    time.Duration `yaml:"poll_interval"`
		MinPollInterval time.Duration `yaml:"min_poll_interval"`
		ChannelTTL      time.Duration `yaml:"channel_ttl"`
		TerminalTTL     time.Duration `yaml:"terminal_ttl"`
	} `yaml:"pos"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		HealthTimeout     time.Duration `yaml:"health_timeout"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	// Auth is optional. An empty JWT secret leaves every route open.
	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

var knownContainers = map[string]bool{"flv": true, "mjpeg": true, "rtsp": true}

var knownModes = map[string]bool{"auto": true, "video": true, "screenshot": true}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if !strings.HasPrefix(c.Signal.VideoPath, "/") {
		return fmt.Errorf("signal.video_path must start with /")
	}

	// Upstream
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host must not be empty")
	}
	if c.Upstream.Scheme != "http" && c.Upstream.Scheme != "https" {
		return fmt.Errorf("upstream.scheme must be http or https")
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be within 1..65535")
	}
	if c.Upstream.MediaPort <= 0 || c.Upstream.MediaPort > 65535 {
		return fmt.Errorf("upstream.media_port must be within 1..65535")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if c.Upstream.SessionTTL <= 0 {
		return fmt.Errorf("upstream.session_ttl must be > 0")
	}
	if (c.Upstream.OperatorLogin == "") != (c.Upstream.OperatorPassword == "") {
		return fmt.Errorf("upstream.operator_login and operator_password must be set together")
	}

	// Stream
	if !knownModes[c.Stream.DefaultMode] {
		return fmt.Errorf("stream.default_mode %q is not one of auto, video, screenshot", c.Stream.DefaultMode)
	}
	if err := validateContainers("stream.containers", c.Stream.Containers); err != nil {
		return err
	}
	if err := validateContainers("stream.relaunch_containers", c.Stream.RelaunchContainers); err != nil {
		return err
	}
	if c.Stream.MaxRestarts < 0 {
		return fmt.Errorf("stream.max_restarts must be >= 0")
	}
	if c.Stream.RestartDelay < 0 {
		return fmt.Errorf("stream.restart_delay must be >= 0")
	}
	if c.Stream.InactivityTimeout <= 0 {
		return fmt.Errorf("stream.inactivity_timeout must be > 0")
	}
	if c.Stream.TokenPingInterval <= 0 {
		return fmt.Errorf("stream.token_ping_interval must be > 0")
	}
	if c.Stream.ScreenshotInterval <= 0 {
		return fmt.Errorf("stream.screenshot_interval must be > 0")
	}

	// Transcoder
	if c.Transcoder.Quality < 1 || c.Transcoder.Quality > 31 {
		return fmt.Errorf("transcoder.quality must be within 1..31")
	}

	// POS
	if c.Pos.MinPollInterval <= 0 {
		return fmt.Errorf("pos.min_poll_interval must be > 0")
	}
	if c.Pos.PollInterval < c.Pos.MinPollInterval {
		return fmt.Errorf("pos.poll_interval must be >= pos.min_poll_interval")
	}
	if c.Pos.ChannelTTL <= 0 || c.Pos.TerminalTTL <= 0 {
		return fmt.Errorf("pos.channel_ttl and pos.terminal_ttl must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within (0, 1]")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

func validateContainers(field string, list []string) error {
	if len(list) == 0 {
		return fmt.Errorf("%s must list at least one container", field)
	}
	for _, c := range list {
		if !knownContainers[c] {
			return fmt.Errorf("%s: unknown container %q", field, c)
		}
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.VideoPath = "/ws/video"

	cfg.Upstream.Scheme = "https"
	cfg.Upstream.Host = "192.168.12.188"
	cfg.Upstream.Port = 8080
	cfg.Upstream.MediaPort = 555
	cfg.Upstream.InsecureTLS = true
	cfg.Upstream.Timeout = 15 * time.Second
	cfg.Upstream.SessionTTL = 14 * time.Minute
	cfg.Upstream.PingTimeout = 3 * time.Second
	cfg.Upstream.Breaker.FailureThreshold = 10
	cfg.Upstream.Breaker.OpenTimeout = 5 * time.Second

	cfg.Stream.DefaultMode = "auto"
	cfg.Stream.Containers = []string{"flv", "mjpeg", "rtsp"}
	cfg.Stream.RelaunchContainers = []string{"mjpeg", "rtsp", "flv"}
	cfg.Stream.MaxRestarts = 5
	cfg.Stream.RestartDelay = 2 * time.Second
	cfg.Stream.InactivityTimeout = 60 * time.Second
	cfg.Stream.TokenPingInterval = 5 * time.Second
	cfg.Stream.ScreenshotInterval = 66 * time.Millisecond

	cfg.Transcoder.Path = "ffmpeg"
	cfg.Transcoder.Quality = 5

	cfg.Pos.PollInterval = 2 * time.Second
	cfg.Pos.MinPollInterval = 500 * time.Millisecond
	cfg.Pos.ChannelTTL = 60 * time.Second
	cfg.Pos.TerminalTTL = 60 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthTimeout = 3 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "vmsgate:events"

	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

// applyEnvOverrides maps the deployment environment onto the loaded config.
// Durations accept Go syntax ("2s") or a bare integer in milliseconds.
func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("env %s: %w", key, err)
			}
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("env %s: %w", key, err)
			}
			return
		}
		*dst = d
	}

	str("VMSGATE_HTTP_ADDRESS", &c.Server.Address)
	str("VMSGATE_LOG_LEVEL", &c.Logging.Level)
	str("VMSGATE_JWT_SECRET", &c.Auth.JWTSecret)

	str("UPSTREAM_SCHEME", &c.Upstream.Scheme)
	str("UPSTREAM_HOST", &c.Upstream.Host)
	num("UPSTREAM_PORT", &c.Upstream.Port)
	num("UPSTREAM_MEDIA_PORT", &c.Upstream.MediaPort)
	dur("UPSTREAM_TIMEOUT", &c.Upstream.Timeout)
	str("UPSTREAM_SERVICE_PASSWORD", &c.Upstream.ServicePassword)
	str("UPSTREAM_OPERATOR_LOGIN", &c.Upstream.OperatorLogin)
	str("UPSTREAM_OPERATOR_PASSWORD", &c.Upstream.OperatorPassword)
	str("UPSTREAM_FALLBACK_PASSWORD", &c.Upstream.FallbackPassword)
	dur("UPSTREAM_SESSION_TTL", &c.Upstream.SessionTTL)

	str("DEFAULT_STREAM_MODE", &c.Stream.DefaultMode)
	list("STREAM_CONTAINERS", &c.Stream.Containers)
	list("STREAM_RELAUNCH_CONTAINERS", &c.Stream.RelaunchContainers)
	num("FFMPEG_MAX_RESTARTS", &c.Stream.MaxRestarts)
	dur("FFMPEG_RESTART_DELAY", &c.Stream.RestartDelay)
	dur("FFMPEG_INACTIVITY_TIMEOUT", &c.Stream.InactivityTimeout)
	dur("FFMPEG_PING_INTERVAL", &c.Stream.TokenPingInterval)
	dur("SCREENSHOT_INTERVAL", &c.Stream.ScreenshotInterval)

	str("FFMPEG_PATH", &c.Transcoder.Path)
	num("FFMPEG_MPEG1_QUALITY", &c.Transcoder.Quality)
	str("FFMPEG_VIDEO_BITRATE", &c.Transcoder.VideoBitrate)
	str("FFMPEG_TRANSCODE_SCALE", &c.Transcoder.Scale)

	dur("POS_POLL_INTERVAL", &c.Pos.PollInterval)
	dur("POS_MIN_POLL_INTERVAL", &c.Pos.MinPollInterval)
	dur("POS_CHANNEL_TTL", &c.Pos.ChannelTTL)
	dur("POS_TERMINAL_TTL", &c.Pos.TerminalTTL)

	if addr := os.Getenv("REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}

	return firstErr
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
