package container

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ParseEnvFile reads a docker-style env file: one KEY=VALUE per line, blank
// lines and lines starting with # are ignored, and a bare KEY takes its value
// from the current environment (and is skipped if unset there).
func ParseEnvFile(filename string) (map[string]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open env file")
	}
	defer f.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimLeft(scanner.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.SplitN(line, "=", 2)
		key := strings.TrimSpace(tokens[0])
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, errors.Errorf("%s:%d: invalid variable name %q", filename, lineno, tokens[0])
		}
		if len(tokens) == 1 {
			if value, ok := os.LookupEnv(key); ok {
				env[key] = value
			}
			continue
		}
		env[key] = tokens[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read env file")
	}
	return env, nil
}
