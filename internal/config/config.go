package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "meterdemo.cfg.json"

// WorkloadConfig drives the demo producers and consumer.
type WorkloadConfig struct {
	Capacity        int           `json:"capacity" mapstructure:"capacity"`
	Producers       int           `json:"producers" mapstructure:"producers"`
	MessagesPerProd int           `json:"messagesPerProducer" mapstructure:"messagesPerProducer"`
	ProduceInterval time.Duration `json:"produceInterval" mapstructure:"produceInterval"`
	ConsumeDelay    time.Duration `json:"consumeDelay" mapstructure:"consumeDelay"`
	UseReserve      bool          `json:"useReserve" mapstructure:"useReserve"`
}

// MonitorConfig controls occupancy sampling.
type MonitorConfig struct {
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	FlushSize  int           `json:"flushSize" mapstructure:"flushSize"`
	BufferSize int           `json:"bufferSize" mapstructure:"bufferSize"`
	StatusDir  string        `json:"statusDir" mapstructure:"statusDir"`
}

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds SQLite storage backend settings.
type SQLiteConfig struct {
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// InfluxConfig holds InfluxDB settings.
type InfluxConfig struct {
	Protocol   string `json:"protocol" mapstructure:"protocol"`
	Host       string `json:"host" mapstructure:"host"`
	Port       string `json:"port" mapstructure:"port"`
	Token      string `json:"token" mapstructure:"token"`
	Org        string `json:"org" mapstructure:"org"`
	Bucket     string `json:"bucket" mapstructure:"bucket"`
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// StorageConfig selects and configures the sample sink.
type StorageConfig struct {
	Type     string       `json:"type" mapstructure:"type"`
	Memory   MemoryConfig `json:"memory" mapstructure:"memory"`
	SQLite   SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
	Postgres DBConfig     `json:"postgres" mapstructure:"postgres"`
	Influx   InfluxConfig `json:"influx" mapstructure:"influx"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// MetricsConfig controls metric registration and exposition.
type MetricsConfig struct {
	Address   string `json:"address" mapstructure:"address"`
	Name      string `json:"name" mapstructure:"name"`
	Help      string `json:"help" mapstructure:"help"`
	WithTotal bool   `json:"withTotal" mapstructure:"withTotal"`
	Expvar    bool   `json:"expvar" mapstructure:"expvar"`
}

// GraylogConfig controls GELF log shipping.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("workload.capacity", 16)
	viper.SetDefault("workload.producers", 4)
	viper.SetDefault("workload.messagesPerProducer", 0)
	viper.SetDefault("workload.produceInterval", "10ms")
	viper.SetDefault("workload.consumeDelay", "25ms")
	viper.SetDefault("workload.useReserve", false)

	viper.SetDefault("monitor.interval", "1s")
	viper.SetDefault("monitor.flushSize", 100)
	viper.SetDefault("monitor.bufferSize", 10000)
	viper.SetDefault("monitor.statusDir", ".")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./samples")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.sqlite.dumpPath", "./meterdemo.db")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "meterdemo")
	viper.SetDefault("storage.influx.protocol", "http")
	viper.SetDefault("storage.influx.host", "localhost")
	viper.SetDefault("storage.influx.port", "8086")
	viper.SetDefault("storage.influx.token", "")
	viper.SetDefault("storage.influx.org", "meterdemo")
	viper.SetDefault("storage.influx.bucket", "channel_occupancy")
	viper.SetDefault("storage.influx.backupPath", "./influx_backup.lp.gz")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "meterdemo")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("metrics.address", ":9090")
	viper.SetDefault("metrics.name", "jobs")
	viper.SetDefault("metrics.help", "job")
	viper.SetDefault("metrics.withTotal", true)
	viper.SetDefault("metrics.expvar", true)
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. Defaults are in
// place even when the file cannot be read.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetWorkloadConfig returns the workload settings.
func GetWorkloadConfig() WorkloadConfig {
	return WorkloadConfig{
		Capacity:        viper.GetInt("workload.capacity"),
		Producers:       viper.GetInt("workload.producers"),
		MessagesPerProd: viper.GetInt("workload.messagesPerProducer"),
		ProduceInterval: viper.GetDuration("workload.produceInterval"),
		ConsumeDelay:    viper.GetDuration("workload.consumeDelay"),
		UseReserve:      viper.GetBool("workload.useReserve"),
	}
}

// GetMonitorConfig returns the sampler settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		FlushSize:  viper.GetInt("monitor.flushSize"),
		BufferSize: viper.GetInt("monitor.bufferSize"),
		StatusDir:  viper.GetString("monitor.statusDir"),
	}
}

// GetStorageConfig returns the storage settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
		},
		Postgres: DBConfig{
			Host:     viper.GetString("storage.postgres.host"),
			Port:     viper.GetString("storage.postgres.port"),
			Username: viper.GetString("storage.postgres.username"),
			Password: viper.GetString("storage.postgres.password"),
			Database: viper.GetString("storage.postgres.database"),
		},
		Influx: InfluxConfig{
			Protocol:   viper.GetString("storage.influx.protocol"),
			Host:       viper.GetString("storage.influx.host"),
			Port:       viper.GetString("storage.influx.port"),
			Token:      viper.GetString("storage.influx.token"),
			Org:        viper.GetString("storage.influx.org"),
			Bucket:     viper.GetString("storage.influx.bucket"),
			BackupPath: viper.GetString("storage.influx.backupPath"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetMetricsConfig returns the metrics settings.
func GetMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Address:   viper.GetString("metrics.address"),
		Name:      viper.GetString("metrics.name"),
		Help:      viper.GetString("metrics.help"),
		WithTotal: viper.GetBool("metrics.withTotal"),
		Expvar:    viper.GetBool("metrics.expvar"),
	}
}

// GetGraylogConfig returns the GELF settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}
