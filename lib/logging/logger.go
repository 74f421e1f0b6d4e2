// Package logging provides the log format of kvcore and plugs it into the
// dragonboat logger registry used by every package.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// Packages lists the logger names used by kvcore.
var Packages = []string{
	"maple",
	"wal",
	"snapshot",
	"persistence",
	"recovery",
	"store",
	"lockmgr",
	"cli",
}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// kvLogger implements the ILogger interface with custom formatting
type kvLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *kvLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *kvLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *kvLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *kvLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *kvLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *kvLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message
func (l *kvLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// output is where all loggers created by CreateLogger write to
var output io.Writer = os.Stderr

// newLogger creates a logger for pkgName writing to w
func newLogger(pkgName string, w io.Writer) *kvLogger {
	return &kvLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(w, "", log.Ldate|log.Ltime),
	}
}

// CreateLogger implements the dragonboat logger.Factory.
func CreateLogger(pkgName string) logger.ILogger {
	return newLogger(pkgName, output)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// ParseLevels resolves the level of every package in Packages. Each package
// gets level unless overrides names it. overrides is a comma separated list
// of pkg=level pairs, e.g. "wal=debug,store=warn".
func ParseLevels(level, overrides string) (map[string]logger.LogLevel, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]logger.LogLevel, len(Packages))
	for _, pkg := range Packages {
		levels[pkg] = lvl
	}

	for _, pair := range strings.Split(overrides, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		pkg, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid log level override %q, want pkg=level", pair)
		}
		pkg = strings.TrimSpace(pkg)
		if _, known := levels[pkg]; !known {
			return nil, fmt.Errorf("invalid log level override %q: unknown package %q", pair, pkg)
		}
		if levels[pkg], err = ParseLogLevel(strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the custom format for all loggers and sets the level
// of every kvcore package, see ParseLevels. Diagnostics go to stderr so
// command output on stdout stays machine readable.
func InitLoggers(level, overrides string) error {
	levels, err := ParseLevels(level, overrides)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)
	for pkg, lvl := range levels {
		logger.GetLogger(pkg).SetLevel(lvl)
	}
	return nil
}
