// Package logging configures the process-wide zap logger and the on-disk
// incident logs for exploit output that warrants inspection.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logDir = "logs"

// New builds the console logger used by both binaries.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// EnsureLogDir creates the directory for incident logs.
func EnsureLogDir() error {
	return os.MkdirAll(logDir, 0755)
}

// WriteIncident stores exploit output under logs/ and returns the file path.
// The file name carries the exploit, the target and a wall-clock stamp, so
// operators can correlate it with the console log.
func WriteIncident(exploit, target, content string) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.txt", exploit, target, time.Now().Format("15_04_05"))
	path := filepath.Join(logDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Truncate shortens a response snippet for console logging.
func Truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
