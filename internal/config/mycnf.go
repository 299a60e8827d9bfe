package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// stdinPath is the file setting value that reads from standard input.
const stdinPath = "@-"

var stdin io.Reader = os.Stdin

// promptPassword reads the database password without echoing it.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter database password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func readRawFile(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == stdinPath {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readSecretFile reads a single-value secret such as a password or DSN.
func readSecretFile(path string) (string, error) {
	raw, err := readRawFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func parseMyCnfFile(path string) (myCnfSettings, error) {
	raw, err := readRawFile(path)
	if err != nil {
		return myCnfSettings{}, err
	}
	return parseMyCnf(raw)
}

// parseMyCnf reads the connection keys of a MySQL option file. Only the
// [client] group is consulted, except that [mysql] may supply the database.
func parseMyCnf(raw string) (myCnfSettings, error) {
	var settings myCnfSettings
	section := ""

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}

		key, value, ok := parseMyCnfKeyValue(line)
		if !ok {
			return myCnfSettings{}, fmt.Errorf("invalid my.cnf syntax on line %d", lineno)
		}
		key = strings.ReplaceAll(strings.ToLower(key), "_", "-")

		switch section {
		case "client":
			if err := settings.apply(key, value); err != nil {
				return myCnfSettings{}, fmt.Errorf("invalid my.cnf %s on line %d: %w", key, lineno, err)
			}
		case "mysql":
			if key == "database" && !settings.HasDBName {
				settings.Database = value
				settings.HasDBName = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return myCnfSettings{}, err
	}
	return settings, nil
}

func (s *myCnfSettings) apply(key, value string) error {
	switch key {
	case "host":
		s.Host = value
	case "port":
		port, err := parsePort(value)
		if err != nil {
			return err
		}
		s.Port = port
		s.HasPort = true
	case "user":
		s.User = value
	case "password":
		s.Password = value
	case "database":
		s.Database = value
		s.HasDBName = true
	case "ssl-mode":
		mode, err := mapMyCnfSSLMode(value)
		if err != nil {
			return err
		}
		s.TLSMode = mode
	}
	return nil
}

// parseMyCnfKeyValue accepts "key = value" and "key value" forms.
func parseMyCnfKeyValue(line string) (string, string, bool) {
	var key, value string
	if k, v, found := strings.Cut(line, "="); found {
		key, value = k, v
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", false
		}
		key, value = fields[0], strings.Join(fields[1:], " ")
	}
	key = strings.TrimSpace(key)
	return key, unquote(strings.TrimSpace(value)), key != ""
}

func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if first == last && (first == '\'' || first == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

func parsePort(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d is out of valid range (1-65535)", port)
	}
	return port, nil
}

func mapMyCnfSSLMode(value string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "":
		return "", nil
	case "DISABLED":
		return "off", nil
	case "REQUIRED", "PREFERRED":
		return "skip-verify", nil
	case "VERIFY_CA":
		return "verify-ca", nil
	case "VERIFY_IDENTITY":
		return "verify-full", nil
	default:
		return "", fmt.Errorf("unsupported ssl-mode %q", value)
	}
}
