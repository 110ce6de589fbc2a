// This package defines a common config struct which can be used by any subsystem within groupsync.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	BlobDriverMemory = "memory"
	BlobDriverS3     = "s3"

	day = int64(24 * 60 * 60 * 1000)
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// throttles
	SyncRequestIntervalMs  int64
	PeriodicSyncIntervalMs int64

	// contact resolution
	ResolveConcurrency int
	LookupTimeoutMs    int64
	ContactCacheSize   int
	BlockUnknown       bool

	// task delivery
	DeliveryRetryMs int64
	TaskRetentionMs int64

	// background sweep for periodic syncs and purges, 0 disables it
	MaintenanceIntervalMs int64

	// photo blobs
	BlobDriver        string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3PathStyle       bool
	S3AccessKeyID     string
	S3SecretAccessKey string

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level)
	if c.writer == nil {
		return zap.New(consoleCore, opts...).Sugar()
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level),
		consoleCore,
	)
	return zap.New(core, opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithSyncRequestIntervalMs(n int64) Option {
	return func(c *Config) {
		c.SyncRequestIntervalMs = n
	}
}

func WithPeriodicSyncIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PeriodicSyncIntervalMs = n
	}
}

func WithResolveConcurrency(n int) Option {
	return func(c *Config) {
		c.ResolveConcurrency = n
	}
}

func WithLookupTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.LookupTimeoutMs = n
	}
}

func WithContactCacheSize(n int) Option {
	return func(c *Config) {
		c.ContactCacheSize = n
	}
}

func WithBlockUnknown(b bool) Option {
	return func(c *Config) {
		c.BlockUnknown = b
	}
}

func WithDeliveryRetryMs(n int64) Option {
	return func(c *Config) {
		c.DeliveryRetryMs = n
	}
}

func WithTaskRetentionMs(n int64) Option {
	return func(c *Config) {
		c.TaskRetentionMs = n
	}
}

func WithMaintenanceIntervalMs(n int64) Option {
	return func(c *Config) {
		c.MaintenanceIntervalMs = n
	}
}

func WithBlobDriver(d string) Option {
	return func(c *Config) {
		c.BlobDriver = d
	}
}

// S3 settings for the photo blob store. Empty credentials fall back to the default AWS chain.
func WithS3(bucket, region, endpoint string, pathStyle bool, accessKeyID, secretAccessKey string) Option {
	return func(c *Config) {
		c.S3Bucket = bucket
		c.S3Region = region
		c.S3Endpoint = endpoint
		c.S3PathStyle = pathStyle
		c.S3AccessKeyID = accessKeyID
		c.S3SecretAccessKey = secretAccessKey
	}
}

// Disables the rotating log file, only logging to the console.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.RootDir = ""
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                  os.Getenv("DEBUG") == "1",
		LoggingPrefix:          "",
		RootDir:                ".",
		SyncRequestIntervalMs:  7 * day,
		PeriodicSyncIntervalMs: 7 * day,
		ResolveConcurrency:     8,
		LookupTimeoutMs:        5000,
		ContactCacheSize:       1024,
		BlockUnknown:           false,
		DeliveryRetryMs:        5000,
		TaskRetentionMs:        7 * day,
		MaintenanceIntervalMs:  60 * 60 * 1000,
		BlobDriver:             BlobDriverMemory,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.RootDir != "" {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}
