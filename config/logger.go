package config

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultLogConfig is used when InitLogger is called with nil, mirroring
// the embedded default zap.Config JSON document this module's logging is
// based on.
const defaultLogConfig = `{
	"level": "info",
	"development": false,
	"encoding": "console",
	"outputPaths": ["stdout"],
	"errorOutputPaths": ["stderr"],
	"disableCaller": false,
	"disableStackTrace": true,
	"encoderConfig": {
		"messageKey": "message",
		"levelKey": "level",
		"levelEncoder": "lowercase",
		"callerKey": "caller",
		"timeKey": "ts",
		"timeEncoder": "ISO8601"
	}
}`

var (
	logger   *zap.SugaredLogger
	logLevel zapcore.Level
)

// InitLogger builds and installs the package-level logger from a JSON
// zap.Config document. Passing nil uses defaultLogConfig.
func InitLogger(rawJSON []byte) error {
	if rawJSON == nil {
		rawJSON = []byte(defaultLogConfig)
	}

	var cfg zap.Config
	if err := json.Unmarshal(rawJSON, &cfg); err != nil {
		return fmt.Errorf("bad log configuration: %w", err)
	}

	built, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("bad log configuration: %w", err)
	}

	logLevel = cfg.Level.Level()
	logger = built.Sugar()
	return nil
}

func init() {
	if err := InitLogger(nil); err != nil {
		panic(err)
	}
}

// Logger returns the process-wide structured logger.
func Logger() *zap.SugaredLogger {
	return logger
}

func IsDebugEnabled() bool { return logLevel.Enabled(zapcore.DebugLevel) }
func IsInfoEnabled() bool  { return logLevel.Enabled(zapcore.InfoLevel) }
func IsWarnEnabled() bool  { return logLevel.Enabled(zapcore.WarnLevel) }
func IsErrorEnabled() bool { return logLevel.Enabled(zapcore.ErrorLevel) }
