package testutil

import (
	"flag"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// DefaultLogLevel is used when neither the flag nor the environment
	// selects a level.
	DefaultLogLevel = zapcore.WarnLevel

	logLevel string

	mu     sync.Mutex
	logger *zap.Logger
)

func init() {
	flag.StringVar(&logLevel, "loglevel", "", "test log level (debug, info, warn, error)")
	if env := os.Getenv("LOG_LEVEL"); env != "" && logLevel == "" {
		logLevel = env
	}
}

// NewLogger returns a development logger honoring the -loglevel flag and the
// LOG_LEVEL environment variable, flag taking precedence.
func NewLogger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		initLogger(parseLevel(logLevel))
	}
	return logger.With(zap.String("context", "test"))
}

// SetLogLevel rebuilds the shared test logger at the given level.
func SetLogLevel(level zapcore.Level) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(level)
}

// SetLogLevelFromFlag parses command-line flags and applies the -loglevel
// flag. Call it from a package's TestMain.
func SetLogLevelFromFlag() {
	if !flag.Parsed() {
		flag.Parse()
	}
	mu.Lock()
	defer mu.Unlock()
	initLogger(parseLevel(logLevel))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return DefaultLogLevel
	}
}

func initLogger(level zapcore.Level) {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	built, err := config.Build()
	if err != nil {
		logger = zap.NewExample()
		logger.Error("Failed to initialize test logger", zap.Error(err))
		return
	}
	logger = built
}
