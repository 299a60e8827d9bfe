package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name the custom TLS config is registered under with
// the MySQL driver.
const tlsConfigName = "relpf-custom"

var (
	errDatabaseMismatch = errors.New("database mismatch")
	errInvalidDSN       = errors.New("database.dsn is invalid")
	errMyCnfNoDatabase  = errors.New("database.mycnf_file does not provide a database name and database.database is not set")
	errNoDatabase       = errors.New("no database configured: set database.database or include /<database> in database.dsn, database.dsn_file or database.mycnf_file")
)

// DSN returns a go-sql-driver/mysql data source name. A configured
// connection string wins over the discrete fields. Times are always parsed
// (in UTC unless the DSN sets loc) and the TLS mode is applied unless the DSN
// names one.
func (d *DatabaseConfig) DSN() (string, error) {
	var cfg *mysql.Config
	if strings.TrimSpace(d.ConnectionString) != "" {
		parsed, err := mysql.ParseDSN(strings.TrimSpace(d.ConnectionString))
		if err != nil {
			return "", fmt.Errorf("%w: %w", errInvalidDSN, err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.DBName = d.Database
	}
	if d.Database != "" && cfg.DBName == "" {
		cfg.DBName = d.Database
	}
	cfg.ParseTime = true
	if cfg.TLSConfig == "" {
		cfg.TLSConfig = d.effectiveTLSParam()
	}
	return cfg.FormatDSN(), nil
}

// EffectiveDatabaseName returns the database whose schema is introspected
// and where the value came from.
func (d *DatabaseConfig) EffectiveDatabaseName() (name string, source string, err error) {
	return resolveEffectiveDatabaseName(d.Database, d.ConnectionString, d.MyCnfFile)
}

func resolveEffectiveDatabaseName(databaseName string, connectionString string, myCnfFile string) (string, string, error) {
	configured := strings.TrimSpace(databaseName)
	dsn := strings.TrimSpace(connectionString)
	dsnDatabase, err := parseDSNDatabaseName(dsn)
	if err != nil {
		return "", "", err
	}

	switch {
	case configured != "":
		if dsnDatabase != "" && configured != dsnDatabase {
			return "", "", fmt.Errorf("%w: database.database=%q but database.dsn targets %q", errDatabaseMismatch, configured, dsnDatabase)
		}
		if strings.TrimSpace(myCnfFile) != "" && dsn == "" {
			return configured, "mycnf", nil
		}
		return configured, "database.database", nil
	case dsnDatabase != "":
		return dsnDatabase, "dsn", nil
	case strings.TrimSpace(myCnfFile) != "":
		return "", "", errMyCnfNoDatabase
	default:
		return "", "", errNoDatabase
	}
}

func parseDSNDatabaseName(dsn string) (string, error) {
	if dsn == "" {
		return "", nil
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidDSN, err)
	}
	return strings.TrimSpace(parsed.DBName), nil
}

// effectiveTLSParam maps the TLS mode to the driver's tls parameter. The
// verifying modes use the config registered by RegisterTLS.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers the custom TLS config with the MySQL driver. It must
// run before the connection is opened and is a no-op for modes that do not
// verify the server.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.TLS.Mode != "verify-ca" && d.TLS.Mode != "verify-full" {
		return nil
	}
	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile := d.TLS.resolveCAFile(); caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = pool
	}

	certFile, keyFile := d.TLS.resolveCertFile(), d.TLS.resolveKeyFile()
	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	switch d.TLS.Mode {
	case "verify-ca":
		// The chain is checked against RootCAs but the host name is not.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = verifyChainOnly(tlsCfg.RootCAs)
	case "verify-full":
		tlsCfg.ServerName = d.TLS.ServerName
	}
	return tlsCfg, nil
}

func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
}

func resolveFileEnv(envName, fallback string) string {
	if envName != "" {
		if path := os.Getenv(envName); path != "" {
			return path
		}
	}
	return fallback
}

func (t *DatabaseTLSConfig) resolveCAFile() string   { return resolveFileEnv(t.CAFileEnv, t.CAFile) }
func (t *DatabaseTLSConfig) resolveCertFile() string { return resolveFileEnv(t.CertFileEnv, t.CertFile) }
func (t *DatabaseTLSConfig) resolveKeyFile() string  { return resolveFileEnv(t.KeyFileEnv, t.KeyFile) }
