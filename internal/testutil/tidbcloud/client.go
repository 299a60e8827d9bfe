// Package tidbcloud provisions throwaway databases on a TiDB Cloud Serverless
// cluster for integration tests. Tests skip unless TIDB_HOST, TIDB_USER and
// TIDB_PASSWORD are set.
package tidbcloud

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"tidb-prefetch/internal/sqlutil"
)

// TestDB represents a test database connection to TiDB Cloud Serverless
type TestDB struct {
	DB           *sql.DB
	DatabaseName string
	config       Config
}

// Config holds TiDB Cloud connection information
type Config struct {
	Host       string
	Port       string
	User       string
	UserPrefix string
	Password   string
	TLSMode    string
}

// NewTestDB creates an isolated database for the calling test. It is dropped
// when the test finishes.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	cfg := getTestConfig(t)
	dbName := fmt.Sprintf("test_%s_%d", sanitizeName(t.Name()), time.Now().UnixMilli())
	if !isValidDatabaseName(dbName) {
		t.Fatalf("Invalid database name generated: %s", dbName)
	}

	admin := open(t, cfg, "information_schema")
	_, err := admin.Exec("CREATE DATABASE IF NOT EXISTS " + sqlutil.QuoteIdentifier(dbName))
	closeDB(t, admin)
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}

	testDB := &TestDB{
		DB:           open(t, cfg, dbName),
		DatabaseName: dbName,
		config:       cfg,
	}
	t.Cleanup(func() {
		testDB.Teardown(t)
	})
	return testDB
}

// DSN returns a driver DSN for the test database.
func (tdb *TestDB) DSN() string {
	return buildDSN(tdb.config, tdb.DatabaseName)
}

// Teardown drops the test database and closes the connection.
func (tdb *TestDB) Teardown(t *testing.T) {
	t.Helper()
	if tdb.DB == nil {
		return
	}
	if isValidDatabaseName(tdb.DatabaseName) {
		if _, err := tdb.DB.Exec("DROP DATABASE IF EXISTS " + sqlutil.QuoteIdentifier(tdb.DatabaseName)); err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", tdb.DatabaseName, err)
		}
	}
	closeDB(t, tdb.DB)
	tdb.DB = nil
}

// Exec runs semicolon separated statements, failing the test on the first
// error. Semicolons inside string literals are not supported.
func (tdb *TestDB) Exec(t *testing.T, statements string) {
	t.Helper()
	for i, stmt := range splitSQL(statements) {
		if _, err := tdb.DB.Exec(stmt); err != nil {
			t.Fatalf("Failed to execute SQL statement %d: %v\nStatement: %s", i+1, err, stmt)
		}
	}
}

// LoadFile runs the statements of a SQL file.
func (tdb *TestDB) LoadFile(t *testing.T, path string) {
	t.Helper()
	payload, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read SQL file %s: %v", path, err)
	}
	tdb.Exec(t, string(payload))
}

func open(t *testing.T, cfg Config, database string) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", buildDSN(cfg, database))
	if err != nil {
		t.Fatalf("Failed to connect to TiDB Cloud: %v", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		closeDB(t, db)
		t.Fatalf("Failed to ping TiDB Cloud: %v", err)
	}
	return db
}

func closeDB(t *testing.T, db *sql.DB) {
	if err := db.Close(); err != nil {
		t.Logf("Warning: failed to close database connection: %v", err)
	}
}

// getTestConfig reads TiDB Cloud connection info from environment variables
func getTestConfig(t *testing.T) Config {
	t.Helper()

	host := os.Getenv("TIDB_HOST")
	port := os.Getenv("TIDB_PORT")
	user := os.Getenv("TIDB_USER")
	userPrefix := os.Getenv("TIDB_USER_PREFIX")
	tlsMode := os.Getenv("TIDB_TLS_MODE")
	if userPrefix != "" && !strings.HasPrefix(user, userPrefix) {
		user = userPrefix + user
	}
	password := os.Getenv("TIDB_PASSWORD")

	if host == "" || user == "" || password == "" {
		t.Skip("TiDB credentials not set. Set TIDB_HOST, TIDB_USER, TIDB_PASSWORD environment variables to run integration tests")
	}

	if port == "" {
		port = "4000"
	}
	if tlsMode == "" {
		tlsMode = "true"
	}

	return Config{
		Host:       host,
		Port:       port,
		User:       user,
		UserPrefix: userPrefix,
		Password:   password,
		TLSMode:    tlsMode,
	}
}

func buildDSN(cfg Config, database string) string {
	dsn := mysql.NewConfig()
	dsn.Net = "tcp"
	dsn.Addr = cfg.Host + ":" + cfg.Port
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.DBName = database
	dsn.ParseTime = true
	dsn.TLSConfig = cfg.TLSMode
	return dsn.FormatDSN()
}

// sanitizeName makes a test name usable in a database name, leaving room
// for the timestamp suffix.
func sanitizeName(name string) string {
	var result strings.Builder
	for _, ch := range name {
		if isValidDatabaseChar(ch) {
			result.WriteRune(ch)
		} else {
			result.WriteRune('_')
		}
	}
	sanitized := result.String()
	if len(sanitized) > 40 {
		sanitized = sanitized[:40]
	}
	return sanitized
}

func splitSQL(sql string) []string {
	statements := strings.Split(sql, ";")
	result := make([]string, 0, len(statements))
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			result = append(result, stmt)
		}
	}
	return result
}

// isValidDatabaseName guards the CREATE and DROP statements, which cannot
// take the name as a placeholder.
func isValidDatabaseName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, ch := range name {
		if !isValidDatabaseChar(ch) {
			return false
		}
	}
	return true
}

func isValidDatabaseChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '_'
}
