// Package observability owns the process-wide CLI logger.
//
// Library packages never read CLILogger; they take a *zap.Logger in their
// constructors. Commands pass CLILogger (or a child of it) down.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Profiles select the encoder.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger is the logger commands write to. It is a no-op until one of
	// the Init functions runs, so tests that skip initialization do not panic.
	CLILogger = zap.NewNop()

	loggerMu sync.Mutex
)

// InitCLILogger installs a console logger at info level, or debug when
// verbose is set.
func InitCLILogger(appName string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(appName, level, ProfileConsole)
	if err != nil {
		logger = zap.NewNop()
	}
	setCLILogger(logger)
}

// ConfigureCLILogger replaces CLILogger using the configured level and
// profile. Unknown values are rejected so a typo in config surfaces early.
func ConfigureCLILogger(appName, level, profile string) error {
	logger, err := NewLogger(appName, level, profile)
	if err != nil {
		return err
	}
	setCLILogger(logger)
	return nil
}

func setCLILogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	old := CLILogger
	CLILogger = l
	if old != nil {
		_ = old.Sync()
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a logger writing to stderr. STRUCTURED emits JSON lines;
// CONSOLE emits human-readable lines without caller or stack noise.
func NewLogger(appName, level, profile string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	case ProfileConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.CallerKey = ""
		cfg.StacktraceKey = ""
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("unknown logging profile %q (want %s or %s)", profile, ProfileStructured, ProfileConsole)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl)
	logger := zap.New(core)
	if appName != "" {
		logger = logger.Named(appName)
	}
	return logger, nil
}
