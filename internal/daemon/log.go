package daemon

import (
	"fmt"
	"log"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/stoneworks/foreman/internal/graph"
)

// ParseLogLevel maps the config logging.level string to a filter level.
// Unknown strings fall back to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogLevelDebug
	case "warn":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func logWith(logger *log.Logger, filter, level LogLevel, component, format string, args ...any) {
	if logger == nil || level < filter {
		return
	}
	levelStr := "INFO"
	switch level {
	case graph.LogLevelDebug:
		levelStr = "DEBUG"
	case graph.LogLevelWarn:
		levelStr = "WARN"
	case graph.LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), levelStr, component, msg)
}

// loadYAML reads a YAML file into out. A missing file is not an error; the
// caller starts fresh.
func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
