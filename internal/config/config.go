package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
)

// EnvPrefix prefixes environment overrides, e.g. POWERMON_SERIAL_DATAPORT.
const EnvPrefix = "POWERMON"

// Config is the process configuration.
type Config struct {
	Serial   SerialConfig   `mapstructure:"serial"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Command  CommandConfig  `mapstructure:"command"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	API      APIConfig      `mapstructure:"api"`
	Settings SettingsConfig `mapstructure:"settings"`
}

// SerialConfig holds port defaults. Port names and baud rate seed a fresh
// settings file; the settings file wins afterwards.
type SerialConfig struct {
	CommandPort       string        `mapstructure:"commandPort"`
	DataPort          string        `mapstructure:"dataPort"`
	BaudRate          int           `mapstructure:"baudRate"`
	ReadTimeout       time.Duration `mapstructure:"readTimeout"`
	SharedPort        bool          `mapstructure:"sharedPort"`
	FlushOnDisconnect bool          `mapstructure:"flushOnDisconnect"`
}

// StreamConfig configures telemetry decoding and retention.
type StreamConfig struct {
	SampleCount    int           `mapstructure:"sampleCount"`
	QueueSize      int           `mapstructure:"queueSize"`
	Backpressure   string        `mapstructure:"backpressure"`
	ReadBufferSize int           `mapstructure:"readBufferSize"`
	MaxDataSize    int           `mapstructure:"maxDataSize"`
	DrainInterval  time.Duration `mapstructure:"drainInterval"`
}

// CommandConfig configures the command channel.
type CommandConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggerConfig configures logrus output and file rotation.
type LoggerConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	FilePath      string `mapstructure:"filePath"`
	MaxSizeMB     int    `mapstructure:"maxSizeMB"`
	MaxBackups    int    `mapstructure:"maxBackups"`
	MaxAgeDays    int    `mapstructure:"maxAgeDays"`
	Compress      bool   `mapstructure:"compress"`
	EnableConsole bool   `mapstructure:"enableConsole"`
}

// RedisConfig configures frame fan-out.
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Address       string        `mapstructure:"address"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	PoolSize      int           `mapstructure:"poolSize"`
	DialTimeout   time.Duration `mapstructure:"dialTimeout"`
	Channel       string        `mapstructure:"channel"`
	HistoryKey    string        `mapstructure:"historyKey"`
	HistoryLength int64         `mapstructure:"historyLength"`
}

// CaptureConfig configures on-disk recording of decoded frames.
type CaptureConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SettingsConfig locates the persisted device settings.
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

// Address returns host:port.
func (c APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.commandPort", "COM13")
	v.SetDefault("serial.dataPort", "COM14")
	v.SetDefault("serial.baudRate", 10000000)
	v.SetDefault("serial.readTimeout", time.Second)
	v.SetDefault("serial.sharedPort", false)
	v.SetDefault("serial.flushOnDisconnect", true)

	v.SetDefault("stream.sampleCount", protocol.SampleCount63)
	v.SetDefault("stream.queueSize", 256)
	v.SetDefault("stream.backpressure", serialcomm.DropOldest.String())
	v.SetDefault("stream.readBufferSize", 4096)
	v.SetDefault("stream.maxDataSize", 20000)
	v.SetDefault("stream.drainInterval", 50*time.Millisecond)

	v.SetDefault("command.timeout", serialcomm.DefaultCommandTimeout)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.filePath", "")
	v.SetDefault("logger.maxSizeMB", 50)
	v.SetDefault("logger.maxBackups", 5)
	v.SetDefault("logger.maxAgeDays", 30)
	v.SetDefault("logger.compress", false)
	v.SetDefault("logger.enableConsole", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 10)
	v.SetDefault("redis.dialTimeout", 5*time.Second)
	v.SetDefault("redis.channel", "powermon:frames")
	v.SetDefault("redis.historyKey", "powermon:history")
	v.SetDefault("redis.historyLength", 1000)

	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.dir", "captures")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	v.SetDefault("settings.path", "settings.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a session.
func (c *Config) Validate() error {
	var errs []error

	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baudRate must be positive, got %d", c.Serial.BaudRate))
	}
	if c.Serial.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("serial.readTimeout must be positive, got %v", c.Serial.ReadTimeout))
	}
	if !protocol.ValidSampleCount(c.Stream.SampleCount) {
		errs = append(errs, fmt.Errorf("stream.sampleCount must be %d or %d, got %d",
			protocol.SampleCount63, protocol.SampleCount256, c.Stream.SampleCount))
	}
	if c.Stream.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.queueSize must be positive, got %d", c.Stream.QueueSize))
	}
	if _, err := serialcomm.ParseBackpressurePolicy(c.Stream.Backpressure); err != nil {
		errs = append(errs, fmt.Errorf("stream.backpressure: %w", err))
	}
	if c.Stream.MaxDataSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.maxDataSize must be positive, got %d", c.Stream.MaxDataSize))
	}
	if c.Stream.DrainInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream.drainInterval must be positive, got %v", c.Stream.DrainInterval))
	}
	if c.Command.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("command.timeout must be positive, got %v", c.Command.Timeout))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when redis is enabled"))
	}
	if c.Capture.Enabled && c.Capture.Dir == "" {
		errs = append(errs, errors.New("capture.dir is required when capture is enabled"))
	}

	return errors.Join(errs...)
}

// BackpressurePolicy returns the parsed stream.backpressure value.
func (c *Config) BackpressurePolicy() serialcomm.BackpressurePolicy {
	p, _ := serialcomm.ParseBackpressurePolicy(c.Stream.Backpressure)
	return p
}
