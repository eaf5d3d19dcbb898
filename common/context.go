package common

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/inconshreveable/log15"
	base "github.com/omegaup/go-base/v3"
)

// AutoTestConfig represents the configuration for the scheduler daemon.
type AutoTestConfig struct {
	ChannelLength      int
	Port               uint16
	Proxied            bool
	RuntimePath        string
	TickInterval       base.Duration
	PreserveWorkspaces bool
}

// ContainerConfig represents the configuration for the ContainerRuntime.
type ContainerConfig struct {
	// Driver is one of "docker" or "process".
	Driver           string
	GracePeriod      base.Duration
	LogPageSize      base.Byte
	MaxLogSize       base.Byte
	DefaultTimeLimit base.Duration
	AssignmentPath   string
	SolutionPath     string
	KeepPath         string
}

// ArtifactsConfig represents the configuration for the storage of archived
// grading artifacts.
type ArtifactsConfig struct {
	// Backend is one of "local", "s3" or "minio".
	Backend         string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// PortalConfig represents the configuration for the ClassPortal.
type PortalConfig struct {
	File string
}

// GitHubConfig represents the configuration for the GitHub notifier.
type GitHubConfig struct {
	APIURL  string
	Token   string
	Timeout base.Duration
	DryRun  bool
}

// BroadcasterConfig represents the configuration for the events Broadcaster.
type BroadcasterConfig struct {
	ChannelLength int
	PingPeriod    base.Duration
	WriteDeadline base.Duration
}

// TLSConfig represents the configuration for TLS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// DbConfig represents the configuration for the database.
type DbConfig struct {
	Driver         string
	DataSourceName string
}

// LoggingConfig represents the configuration for logging.
type LoggingConfig struct {
	File  string
	Level string
	JSON  bool
}

// MetricsConfig represents the configuration for metrics.
type MetricsConfig struct {
	Port uint16
}

// Config represents the configuration for the whole program.
type Config struct {
	AutoTest    AutoTestConfig
	Container   ContainerConfig
	Artifacts   ArtifactsConfig
	Portal      PortalConfig
	GitHub      GitHubConfig
	Broadcaster BroadcasterConfig
	Db          DbConfig
	Logging     LoggingConfig
	Metrics     MetricsConfig
	TLS         TLSConfig
}

var defaultConfig = Config{
	AutoTest: AutoTestConfig{
		ChannelLength: 1024,
		Port:          11320,
		Proxied:       true,
		RuntimePath:   "/var/lib/autotest/",
		TickInterval:  base.Duration(time.Duration(5) * time.Second),
	},
	Container: ContainerConfig{
		Driver:           "docker",
		GracePeriod:      base.Duration(time.Duration(10) * time.Second),
		LogPageSize:      base.Byte(4) * base.Kibibyte,
		MaxLogSize:       base.Byte(128) * base.Kibibyte,
		DefaultTimeLimit: base.Duration(time.Duration(5) * time.Minute),
		AssignmentPath:   "/assn",
		SolutionPath:     "/solution",
		KeepPath:         "/output",
	},
	Artifacts: ArtifactsConfig{
		Backend: "local",
		Bucket:  "autotest-artifacts",
		Region:  "us-east-1",
	},
	Portal: PortalConfig{
		File: "/etc/autotest/courses.yaml",
	},
	GitHub: GitHubConfig{
		APIURL:  "https://api.github.com",
		Timeout: base.Duration(time.Duration(30) * time.Second),
	},
	Broadcaster: BroadcasterConfig{
		ChannelLength: 10,
		PingPeriod:    base.Duration(time.Duration(30) * time.Second),
		WriteDeadline: base.Duration(time.Duration(5) * time.Second),
	},
	Db: DbConfig{
		Driver:         "sqlite3",
		DataSourceName: "./autotest.db",
	},
	Logging: LoggingConfig{
		File:  "/var/log/autotest/service.log",
		Level: "info",
	},
	Metrics: MetricsConfig{
		Port: 6060,
	},
	TLS: TLSConfig{
		CertFile: "/etc/autotest/certificate.pem",
		KeyFile:  "/etc/autotest/key.pem",
	},
}

func (config *Config) String() string {
	buf, err := json.MarshalIndent(*config, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(buf)
}

// A Context holds data associated with a single request.
type Context struct {
	Context context.Context
	Config  Config
	Log     log15.Logger
	Metrics Metrics
}

// DefaultConfig returns a default Config.
func DefaultConfig() Config {
	return defaultConfig
}

// NewConfig creates a new Config from the specified reader.
func NewConfig(reader io.Reader) (*Config, error) {
	config := defaultConfig

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// NewContext creates a new Context from the specified Config. This also
// creates a Logger.
func NewContext(config *Config) (*Context, error) {
	log, err := RotatingLog(config.Logging)
	if err != nil {
		return nil, err
	}
	return &Context{
		Context: context.Background(),
		Config:  *config,
		Log:     log,
		Metrics: &NoOpMetrics{},
	}, nil
}

// NewContextFromReader creates a new Context from the specified reader. This
// also creates a Logger.
func NewContextFromReader(reader io.Reader) (*Context, error) {
	config, err := NewConfig(reader)
	if err != nil {
		return nil, err
	}
	return NewContext(config)
}

// Close releases all resources owned by the context.
func (ctx *Context) Close() {
	if closer, ok := ctx.Log.GetHandler().(io.Closer); ok {
		closer.Close()
	}
}

// Wrap returns a new Context with the applied context.
func (ctx *Context) Wrap(c context.Context) *Context {
	wrapped := *ctx
	wrapped.Context = c
	return &wrapped
}

// WithLog returns a new Context whose Logger carries the additional key/value
// pairs.
func (ctx *Context) WithLog(logCtx ...interface{}) *Context {
	wrapped := *ctx
	wrapped.Log = ctx.Log.New(logCtx...)
	return &wrapped
}
