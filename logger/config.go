package logger

import (
	"io"
	"os"
)

// FileConfig holds the rotating-file output settings. Rotation is handled
// by lumberjack, sizes are in megabytes and ages in days.
type FileConfig struct {
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// Config holds the configuration for the logger
type Config struct {
	Level        LogLevel
	Format       OutputFormat
	Outputs      []io.Writer
	Subsystem    string
	FileConfig   *FileConfig
	EnableCaller bool // Include caller information
	CallerSkip   int  // Number of stack frames to skip when logging caller
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:   TraceLevel,
		Format:  DefaultFormat,
		Outputs: []io.Writer{os.Stdout},
	}
}

// ProductionConfig returns a production-ready configuration with file logging
func ProductionConfig(appName string) *Config {
	return &Config{
		Level:  InfoLevel,
		Format: JSONFormat,
		FileConfig: &FileConfig{
			Filename:   "logs/" + appName + ".log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		EnableCaller: true,
	}
}
