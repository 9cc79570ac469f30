package exploit

import (
	"crypto/sha256"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/fastad/fast/internal/config"
)

// Loader re-reads fast.yaml before every tick and keeps the last good set
// of definitions. Editing the file mid-game is expected; a broken edit must
// never stop the farm, so invalid content falls back to the cached set.
type Loader struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	sum    [sha256.Size]byte
	defs   []Definition
	cached bool
}

// NewLoader builds a loader over the given config path.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{path: path, logger: logger}
}

// Load returns the definitions to run this tick. A nil slice means the
// tick should be skipped.
func (l *Loader) Load() []Definition {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return l.fallback(zap.Error(err))
	}
	if len(data) == 0 {
		return l.fallback(zap.String("reason", "file is empty"))
	}

	sum := sha256.Sum256(data)
	if l.cached && sum == l.sum {
		return l.defs
	}

	cfg, err := config.ParseClient(data)
	if err != nil {
		return l.fallback(zap.Error(err))
	}

	defs := make([]Definition, 0, len(cfg.Exploits))
	for _, entry := range cfg.Exploits {
		d, err := FromEntry(entry)
		if err != nil {
			return l.fallback(zap.String("exploit", entry.Name), zap.Error(err))
		}
		defs = append(defs, d)
	}

	l.sum = sum
	l.defs = defs
	l.cached = true
	return defs
}

// fallback reuses the last good definitions, or skips the tick when there
// are none yet.
func (l *Loader) fallback(fields ...zap.Field) []Definition {
	if l.cached {
		l.logger.Warn("config is invalid, reusing the last working version", fields...)
		return l.defs
	}
	l.logger.Warn("config is invalid and no working version is cached, skipping this tick", fields...)
	return nil
}
