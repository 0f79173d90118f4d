package config

import (
	"fmt"
	"os"
	"time"

	"github.com/micspool/micspool/internal/capture"
	"github.com/micspool/micspool/internal/logger"
	"github.com/micspool/micspool/internal/uploader"
	"github.com/micspool/micspool/internal/window"
	"github.com/spf13/viper"
)

// Config is the top-level TOML structure. Credentials are usually absent
// from the file and injected through the environment instead.
type Config struct {
	RunMode      string        `toml:"run_mode" mapstructure:"run_mode"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	LockFile     string        `toml:"lock_file" mapstructure:"lock_file"`

	Window  window.Window `toml:"window" mapstructure:"window"`
	Session SessionConfig `toml:"session" mapstructure:"session"`
	Audio   AudioConfig   `toml:"audio" mapstructure:"audio"`
	Spool   SpoolConfig   `toml:"spool" mapstructure:"spool"`
	Storage StorageConfig `toml:"storage" mapstructure:"storage"`
	Upload  UploadConfig  `toml:"upload" mapstructure:"upload"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
}

type SessionConfig struct {
	Duration   time.Duration `toml:"duration" mapstructure:"duration"`
	FilePrefix string        `toml:"file_prefix" mapstructure:"file_prefix"`
}

// AudioConfig describes the capture format. SampleRate 0 asks the device
// for its default rate at startup.
type AudioConfig struct {
	SampleRate  int `toml:"sample_rate" mapstructure:"sample_rate"`
	Channels    int `toml:"channels" mapstructure:"channels"`
	BitDepth    int `toml:"bit_depth" mapstructure:"bit_depth"`
	ChunkFrames int `toml:"chunk_frames" mapstructure:"chunk_frames"`
}

type SpoolConfig struct {
	Dir string `toml:"dir" mapstructure:"dir"`
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type StorageConfig struct {
	Endpoint  string `toml:"endpoint" mapstructure:"endpoint"`
	Region    string `toml:"region" mapstructure:"region"`
	Bucket    string `toml:"bucket" mapstructure:"bucket"`
	KeyPrefix string `toml:"key_prefix" mapstructure:"key_prefix"`
	AccessKey string `toml:"access_key" mapstructure:"access_key"`
	SecretKey string `toml:"secret_key" mapstructure:"secret_key"`
	UseSSL    *bool  `toml:"use_ssl" mapstructure:"use_ssl"`
}

type UploadConfig struct {
	Workers        int           `toml:"workers" mapstructure:"workers"`
	MaxAttempts    int           `toml:"max_attempts" mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `toml:"attempt_timeout" mapstructure:"attempt_timeout"`
	BackoffInitial time.Duration `toml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `toml:"backoff_max" mapstructure:"backoff_max"`
	QueueSize      int           `toml:"queue_size" mapstructure:"queue_size"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Load reads a TOML config file, merges environment fallbacks for the
// storage credentials, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a runnable configuration with no file at all, relying on
// the environment for storage credentials.
func Default() *Config {
	c := &Config{}
	c.applyEnv()
	c.applyDefaults()
	return c
}

// applyEnv fills storage fields left empty in the file from the
// conventional environment variables.
func (c *Config) applyEnv() {
	envOr(&c.Storage.AccessKey, "AWS_ACCESS_KEY_ID")
	envOr(&c.Storage.SecretKey, "AWS_SECRET_ACCESS_KEY")
	envOr(&c.Storage.Region, "AWS_REGION")
	envOr(&c.Storage.Bucket, "S3_BUCKET_NAME")
	envOr(&c.Storage.KeyPrefix, "S3_OBJECT_KEY_PREFIX")
	envOr(&c.Storage.Endpoint, "S3_ENDPOINT")
}

func envOr(dst *string, key string) {
	if *dst == "" {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.RunMode == "" {
		c.RunMode = "forever"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LockFile == "" {
		c.LockFile = "/tmp/micspool.lock"
	}
	if c.Window.StartHour == 0 && c.Window.EndHour == 0 {
		c.Window = window.Window{StartHour: 9, EndHour: 18}
	}
	if c.Session.Duration <= 0 {
		c.Session.Duration = time.Hour
	}
	if c.Session.FilePrefix == "" {
		c.Session.FilePrefix = "rec"
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.BitDepth <= 0 {
		c.Audio.BitDepth = 16
	}
	if c.Audio.ChunkFrames <= 0 {
		c.Audio.ChunkFrames = 2048
	}
	if c.Spool.Dir == "" {
		c.Spool.Dir = "spool"
	}
	if c.Spool.DSN == "" {
		c.Spool.DSN = "spool/tasks.db"
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.UseSSL == nil {
		t := true
		c.Storage.UseSSL = &t
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = 5
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":9610"
	}
}

func (c *Config) Validate() error {
	switch c.RunMode {
	case "forever", "daily":
	default:
		return fmt.Errorf("run_mode %q must be forever or daily", c.RunMode)
	}
	if err := c.Window.Validate(); err != nil {
		return err
	}
	if c.Session.Duration < time.Second {
		return fmt.Errorf("session duration %s too short", c.Session.Duration)
	}
	// SampleRate 0 is resolved from the device at startup.
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("sample_rate %d must not be negative", c.Audio.SampleRate)
	}
	// Probe channel and depth constraints with a placeholder rate; the real
	// rate may come from the device later.
	f := capture.Format{SampleRate: 44100, Channels: c.Audio.Channels, BitDepth: c.Audio.BitDepth}
	if err := f.Validate(); err != nil {
		return err
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required (set storage.bucket or S3_BUCKET_NAME)")
	}
	if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
		return fmt.Errorf("storage credentials are required (set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY)")
	}
	return nil
}

// S3 maps the storage section onto the object store client config.
func (c *Config) S3() uploader.S3Config {
	return uploader.S3Config{
		Endpoint:  c.Storage.Endpoint,
		Region:    c.Storage.Region,
		Bucket:    c.Storage.Bucket,
		AccessKey: c.Storage.AccessKey,
		SecretKey: c.Storage.SecretKey,
		UseSSL:    c.Storage.UseSSL == nil || *c.Storage.UseSSL,
	}
}

// UploadOptions maps the upload section onto the pipeline options.
func (c *Config) UploadOptions() uploader.Options {
	return uploader.Options{
		Workers:        c.Upload.Workers,
		MaxAttempts:    c.Upload.MaxAttempts,
		AttemptTimeout: c.Upload.AttemptTimeout,
		BackoffInitial: c.Upload.BackoffInitial,
		BackoffMax:     c.Upload.BackoffMax,
		QueueSize:      c.Upload.QueueSize,
	}
}

// Format builds the capture format, substituting deviceRate when the file
// asks for the device default.
func (c *Config) Format(deviceRate int) capture.Format {
	rate := c.Audio.SampleRate
	if rate == 0 {
		rate = deviceRate
	}
	return capture.Format{SampleRate: rate, Channels: c.Audio.Channels, BitDepth: c.Audio.BitDepth}
}
