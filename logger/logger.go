package logger

import (
	"fmt"
	"os"

	"go.uber.org/atomic"
)

// Level defines the logging level
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var currentLevel = atomic.NewInt32(int32(LevelError))

func init() {
	// Set log level from environment variable
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	default:
		currentLevel.Store(int32(LevelError)) // Production default: only errors
	}
}

// SetLevel overrides the level picked up from LOG_LEVEL.
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

// Current returns the active logging level.
func Current() Level {
	return Level(currentLevel.Load())
}

func Error(format string, args ...interface{}) {
	if Current() >= LevelError {
		fmt.Printf("[Error] "+format+"\n", args...)
	}
}

func Warn(format string, args ...interface{}) {
	if Current() >= LevelWarn {
		fmt.Printf("[Warn] "+format+"\n", args...)
	}
}

func Info(format string, args ...interface{}) {
	if Current() >= LevelInfo {
		fmt.Printf("[Info] "+format+"\n", args...)
	}
}

func Debug(format string, args ...interface{}) {
	if Current() >= LevelDebug {
		fmt.Printf("[Debug] "+format+"\n", args...)
	}
}
