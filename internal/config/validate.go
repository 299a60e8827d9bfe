package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"tidb-prefetch/internal/dbexec"
	"tidb-prefetch/internal/naming"
	"tidb-prefetch/internal/schemafilter"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Err returns the validation errors joined, or nil.
func (r *ValidationResult) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) addError(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) addWarning(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration and collects every error and warning.
// It also settles derived database fields such as the effective database
// name, so callers should validate before connecting.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Observability.validate(result)
	validateSchemaFilters(result, c.SchemaFilters)
	validateNamingConfig(result, c.Naming)
	c.Relations.validate(result)
	c.Prefetch.validate(result)
	return result
}

func validateSchemaFilters(result *ValidationResult, filters schemafilter.Config) {
	validateGlobList(result, "schema_filters.allow_tables", filters.AllowTables)
	validateGlobList(result, "schema_filters.deny_tables", filters.DenyTables)
	validatePatternMap(result, "schema_filters.allow_columns", filters.AllowColumns)
	validatePatternMap(result, "schema_filters.deny_columns", filters.DenyColumns)
	validatePatternMap(result, "schema_filters.non_editable_columns", filters.NonEditableColumns)
}

func validateNamingConfig(result *ValidationResult, cfg naming.Config) {
	for singular, plural := range cfg.PluralOverrides {
		if strings.TrimSpace(singular) == "" || strings.TrimSpace(plural) == "" {
			result.addError("naming.plural_overrides", "overrides cannot have empty words", "")
		}
	}
	for plural, singular := range cfg.SingularOverrides {
		if strings.TrimSpace(singular) == "" || strings.TrimSpace(plural) == "" {
			result.addError("naming.singular_overrides", "overrides cannot have empty words", "")
		}
	}
}

func (r *RelationsConfig) validate(result *ValidationResult) {
	seen := make(map[string]bool, len(r.RelatedNames))
	for i, rn := range r.RelatedNames {
		field := fmt.Sprintf("relations.related_names[%d]", i)
		if strings.TrimSpace(rn.Table) == "" {
			result.addError(field, "table cannot be empty", "")
			continue
		}
		if err := naming.ValidateAttribute(strings.TrimSpace(rn.Name)); err != nil {
			result.addError(field, err.Error(), "pick a name without \"__\", a trailing underscore or a lookup kind")
		}
		if seen[rn.Key()] {
			result.addError(field, fmt.Sprintf("duplicate related name for %q", rn.Key()), "")
		}
		seen[rn.Key()] = true
	}
	for _, table := range r.Asymmetrical {
		if strings.TrimSpace(table) == "" {
			result.addError("relations.asymmetrical", "table name cannot be empty", "")
		}
	}
	for table, column := range r.DisplayColumns {
		if strings.TrimSpace(column) == "" {
			result.addError("relations.display_columns", fmt.Sprintf("display column for table %q cannot be empty", table), "")
		}
	}
}

func (p *PrefetchConfig) validate(result *ValidationResult) {
	if p.BatchSize < 0 {
		result.addError("prefetch.batch_size", "batch_size cannot be negative", "use 0 for the default")
	}
	if p.Timeout < 0 {
		result.addError("prefetch.timeout", "timeout cannot be negative", "")
	}
	if p.AsOf != "" {
		if err := dbexec.ValidateSnapshot(p.AsOf); err != nil {
			result.addError("prefetch.as_of", err.Error(), `use a timestamp such as "2026-01-02 15:04:05" or a TSO`)
		}
	}
}

func validatePatternMap(result *ValidationResult, field string, patternMap map[string][]string) {
	for tablePattern, columnPatterns := range patternMap {
		if strings.TrimSpace(tablePattern) == "" {
			result.addError(field, "table pattern cannot be empty", "")
			continue
		}
		if _, err := path.Match(strings.ToLower(tablePattern), "x"); err != nil {
			result.addError(field, fmt.Sprintf("invalid table glob pattern %q: %v", tablePattern, err), "")
		}
		for _, columnPattern := range columnPatterns {
			if strings.TrimSpace(columnPattern) == "" {
				result.addError(field, fmt.Sprintf("column pattern for table pattern %q cannot be empty", tablePattern), "")
				continue
			}
			if _, err := path.Match(strings.ToLower(columnPattern), "x"); err != nil {
				result.addError(field, fmt.Sprintf("invalid column glob pattern %q for table pattern %q: %v", columnPattern, tablePattern, err), "")
			}
		}
	}
}

func validateGlobList(result *ValidationResult, field string, patterns []string) {
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			result.addError(field, "glob pattern cannot be empty", "")
			continue
		}
		if _, err := path.Match(strings.ToLower(pattern), "x"); err != nil {
			result.addError(field, fmt.Sprintf("invalid glob pattern %q: %v", pattern, err), "")
		}
	}
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	if strings.TrimSpace(d.MyCnfFile) != "" && (strings.TrimSpace(d.ConnectionString) != "" || strings.TrimSpace(d.ConnectionStringFile) != "") {
		result.addError("database.mycnf_file", "mycnf_file is mutually exclusive with dsn/dsn_file", "set either mycnf_file or dsn/dsn_file, not both")
	}

	if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.addError("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
	}

	switch d.Vendor {
	case "", "mysql", "tidb":
	default:
		result.addError("database.vendor", fmt.Sprintf("invalid vendor %q", d.Vendor), "valid values are: mysql, tidb")
	}

	d.TLS.validate(result)

	if d.Pool.MaxOpen < 0 {
		result.addError("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.addError("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.addWarning("database.pool.max_idle", "max_idle is greater than max_open", "idle connections will be limited to max_open")
	}

	if d.ConnectionTimeout < 0 {
		result.addError("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
	if d.ConnectionRetryInterval < 0 {
		result.addError("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.addError("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.addWarning("database.connection_retry_interval", "connection_retry_interval is greater than connection_timeout", "only one connection attempt will be made")
	}

	name, _, err := resolveEffectiveDatabaseName(d.Database, d.ConnectionString, d.MyCnfFile)
	switch {
	case err == nil:
		d.Database = name
	case errors.Is(err, errInvalidDSN):
		result.addError("database.dsn", err.Error(), "set a valid MySQL DSN in database.dsn or database.dsn_file")
	case errors.Is(err, errMyCnfNoDatabase):
		result.addError("database.mycnf_file", err.Error(), "add database to the [client] group or set database.database")
	case errors.Is(err, errDatabaseMismatch):
		result.addError("database.database", err.Error(), "either remove database.database or set it to match the DSN")
	default:
		result.addError("database.database", err.Error(), "")
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	switch t.Mode {
	case "", "off", "skip-verify", "verify-ca", "verify-full":
	default:
		result.addError("database.tls.mode", fmt.Sprintf("invalid TLS mode %q", t.Mode), "valid values are: off, skip-verify, verify-ca, verify-full")
	}

	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && t.resolveCAFile() == "" {
		result.addError("database.tls.ca_file", "CA file is required for verify-ca and verify-full modes", "set ca_file or ca_file_env to specify the CA certificate")
	}

	if (t.resolveCertFile() == "") != (t.resolveKeyFile() == "") {
		result.addError("database.tls.cert_file", "both cert_file and key_file must be specified for client certificate authentication", "provide both cert_file and key_file, or neither")
	}

	if t.Mode == "skip-verify" {
		result.addWarning("database.tls.mode", "skip-verify mode does not verify server certificates", "use verify-ca or verify-full in production")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	switch o.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		result.addError("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level), "valid values are: debug, info, warn, error")
	}
	switch o.Logging.Format {
	case "json", "text":
	default:
		result.addError("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format), "valid values are: json, text")
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.addError("observability.trace_sample_ratio", fmt.Sprintf("trace_sample_ratio %v is outside 0.0-1.0", o.TraceSampleRatio), "")
	}
	if o.MetricsTextfile != "" && !o.MetricsEnabled {
		result.addWarning("observability.metrics_textfile", "metrics_textfile is set but metrics are disabled", "enable observability.metrics_enabled to write the file")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	switch o.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		result.addError(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol), "valid values are: grpc, http/protobuf")
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.addError(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint), "use host:port or a full URL")
	}
	switch o.Compression {
	case "", "none", "gzip":
	default:
		result.addError(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression), "valid values are: none, gzip")
	}
	if o.RetryMaxAttempts < 0 {
		result.addError(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		return err == nil && parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
