package config

import (
	"strings"
	"time"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/naming"
	"tidb-prefetch/internal/schemafilter"
)

// Config holds the relinspect configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	SchemaFilters schemafilter.Config `mapstructure:"schema_filters"`
	Naming        naming.Config       `mapstructure:"naming"`
	Relations     RelationsConfig     `mapstructure:"relations"`
	Prefetch      PrefetchConfig      `mapstructure:"prefetch"`
}

// RelatedName overrides the reverse accessor of one relation. Column names
// the foreign key column; it is empty when Table is a many-to-many junction.
type RelatedName struct {
	Table  string `mapstructure:"table"`
	Column string `mapstructure:"column"`
	Name   string `mapstructure:"name"`
}

// Key returns the "table.column" (or junction table) form used by
// introspection.FieldOptions.
func (r RelatedName) Key() string {
	if r.Column == "" {
		return r.Table
	}
	return r.Table + "." + r.Column
}

// RelationsConfig customizes relation derivation.
type RelationsConfig struct {
	// RelatedNames is a list because viper splits map keys on dots.
	RelatedNames []RelatedName `mapstructure:"related_names"`
	// Asymmetrical lists self-referential junction tables whose relation is
	// not symmetrical.
	Asymmetrical []string `mapstructure:"asymmetrical"`
	// DisplayColumns maps a table to the column used as its instance label.
	DisplayColumns map[string]string `mapstructure:"display_columns"`
}

// FieldOptions converts the relation settings, together with the expanded
// non-editable columns, into field derivation options.
func (r RelationsConfig) FieldOptions(nonEditable map[string][]string) introspection.FieldOptions {
	opts := introspection.FieldOptions{
		RelatedNames: make(map[string]string, len(r.RelatedNames)),
		Asymmetrical: make(map[string]bool, len(r.Asymmetrical)),
		NonEditable:  nonEditable,
	}
	for _, rn := range r.RelatedNames {
		opts.RelatedNames[rn.Key()] = strings.TrimSpace(rn.Name)
	}
	for _, table := range r.Asymmetrical {
		opts.Asymmetrical[strings.TrimSpace(table)] = true
	}
	return opts
}

// PrefetchConfig controls prefetch execution.
type PrefetchConfig struct {
	// BatchSize caps the number of parent keys per IN query.
	BatchSize int `mapstructure:"batch_size"`
	// AsOf reads every hop at one TiDB snapshot ("2026-01-02 15:04:05" or a TSO).
	AsOf string `mapstructure:"as_of"`
	// Timeout bounds a whole prefetch run; zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS settings for database connections, covering
// server verification and client certificates.
type DatabaseTLSConfig struct {
	// Mode is one of off, skip-verify, verify-ca or verify-full.
	Mode string `mapstructure:"mode"`

	CAFile string `mapstructure:"ca_file"`
	// CAFileEnv names an environment variable holding the CA file path.
	CAFileEnv string `mapstructure:"ca_file_env"`

	CertFile    string `mapstructure:"cert_file"`
	CertFileEnv string `mapstructure:"cert_file_env"`

	KeyFile    string `mapstructure:"key_file"`
	KeyFileEnv string `mapstructure:"key_file_env"`

	// ServerName overrides the host name checked by verify-full.
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// ConnectionString is a complete go-sql-driver/mysql DSN. When set it
	// overrides the discrete fields.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile is read into ConnectionString; "@-" reads stdin.
	ConnectionStringFile string `mapstructure:"dsn_file"`
	// MyCnfFile points to a MySQL defaults file. Keys come from [client],
	// with database falling back to [mysql].
	MyCnfFile string `mapstructure:"mycnf_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	// Vendor selects lookup preparation rules: mysql or tidb.
	Vendor string `mapstructure:"vendor"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the database on startup.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial interval between connection retries.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

const defaultDatabaseName = "test"

type myCnfSettings struct {
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	TLSMode   string
	HasPort   bool
	HasDBName bool
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	// MetricsTextfile is where metrics are written on exit, in the format
	// read by node_exporter's textfile collector.
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
	Logging          LoggingConfig `mapstructure:"logging"`

	// OTLP holds the defaults for every exported signal.
	OTLP OTLPConfig `mapstructure:"otlp"`

	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces.
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs.
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// mergeOTLPConfigs lays non-zero signal settings over the global ones.
// Insecure always comes from the override since false cannot be told apart
// from unset.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	result.Insecure = override.Insecure
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}
	return result
}
