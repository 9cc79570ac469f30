package exploit

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/fastad/fast/internal/teams"
)

// Drainer forwards locally stored flags once connectivity is back.
type Drainer interface {
	DrainFallback(ctx context.Context) error
}

// Launcher fans the configured exploits out into per-tick sessions.
type Launcher struct {
	loader  *Loader
	enq     Enqueuer
	memo    Memo
	drainer Drainer
	dir     teams.Directory
	hasDir  bool
	own     []string
	format  *regexp.Regexp
	logger  *zap.Logger
}

// LauncherOptions wire the launcher's collaborators.
type LauncherOptions struct {
	Loader     *Loader
	Enqueuer   Enqueuer
	Memo       Memo
	Drainer    Drainer
	Teams      teams.Directory
	HasTeams   bool
	OwnHosts   []string
	FlagFormat *regexp.Regexp
	Logger     *zap.Logger
}

// NewLauncher builds a launcher.
func NewLauncher(opts LauncherOptions) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		loader:  opts.Loader,
		enq:     opts.Enqueuer,
		memo:    opts.Memo,
		drainer: opts.Drainer,
		dir:     opts.Teams,
		hasDir:  opts.HasTeams,
		own:     opts.OwnHosts,
		format:  opts.FlagFormat,
		logger:  logger,
	}
}

// LaunchTick reloads the config, starts a session per exploit and drains
// the fallback queue. Sessions run concurrently and are not awaited; a
// slow exploit must not delay the next tick.
func (l *Launcher) LaunchTick(ctx context.Context) int {
	defs := l.loader.Load()
	for _, def := range defs {
		go l.session(def).Run(ctx)
	}

	if l.drainer != nil {
		go func() {
			if err := l.drainer.DrainFallback(ctx); err != nil {
				l.logger.Error("forwarding fallback flags failed", zap.Error(err))
			}
		}()
	}
	return len(defs)
}

// Fire runs the named exploits immediately, outside the tick schedule and
// with their configured delay skipped. It returns how many were started.
func (l *Launcher) Fire(ctx context.Context, names []string) int {
	defs := l.loader.Load()
	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	started := 0
	for _, name := range names {
		def, ok := byName[name]
		if !ok {
			l.logger.Warn("unknown exploit", zap.String("exploit", name))
			continue
		}
		def.Delay = 0
		started++
		go l.session(def).Run(ctx)
	}
	return started
}

func (l *Launcher) session(def Definition) *Session {
	return &Session{
		def:    def,
		enq:    l.enq,
		memo:   l.memo,
		dir:    l.dir,
		hasDir: l.hasDir,
		own:    l.own,
		format: l.format,
		logger: l.logger,
	}
}
