package exploit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fastad/fast/internal/logging"
	"github.com/fastad/fast/internal/teams"
)

// Outcome summarizes what happened to the flags captured by one attack.
type Outcome struct {
	New        []string
	Duplicates []string
	Own        int
	Pending    bool // stored locally because the server was unreachable
}

// Enqueuer ships captured flags toward the flag store.
type Enqueuer interface {
	Enqueue(ctx context.Context, values []string, exploit, target string) (Outcome, error)
}

// Memo remembers (host, flag_id) pairs that were already attacked, so
// per-flag hints are not replayed across ticks.
type Memo interface {
	AttackDone(ctx context.Context, host, flagID string) (bool, error)
	RecordAttacks(ctx context.Context, pairs [][2]string) error
}

// Session is one exploit's work within one tick.
type Session struct {
	def    Definition
	enq    Enqueuer
	memo   Memo
	dir    teams.Directory
	hasDir bool
	own    []string
	format *regexp.Regexp
	logger *zap.Logger
}

type attackResult struct {
	attack Attack
	output string
	err    error
}

// Run executes the whole session: target resolution, hooks, dispatch in
// batches, flag matching and the attack memo update. Errors are reported
// through the log; a broken exploit must not take the tick down with it.
func (s *Session) Run(ctx context.Context) {
	log := s.logger.With(zap.String("exploit", s.def.Name))

	targets := s.resolveTargets(log)
	if len(targets) == 0 {
		log.Warn("no targets to attack, skipping")
		return
	}

	attacks, err := s.expandAttacks(ctx, targets)
	if err != nil {
		log.Error("resolving per-flag hints failed", zap.Error(err))
		return
	}
	if len(attacks) == 0 {
		log.Info("every (target, flag_id) pair was already attacked, skipping")
		return
	}

	if s.def.Delay > 0 {
		select {
		case <-time.After(s.def.Delay):
		case <-ctx.Done():
			return
		}
	}

	if s.def.Prepare != "" {
		if err := runHook(ctx, s.def.Prepare, s.def.Env); err != nil {
			log.Error("prepare hook failed, aborting session", zap.Error(err))
			return
		}
	}

	var completed [][2]string
	batches := s.def.partition(attacks)
	for i, batch := range batches {
		if i > 0 && s.def.Batches != nil {
			select {
			case <-time.After(s.def.Batches.Wait):
			case <-ctx.Done():
				return
			}
		}
		completed = append(completed, s.runBatch(ctx, log, batch)...)
	}

	if s.def.Cleanup != "" {
		if err := runHook(ctx, s.def.Cleanup, s.def.Env); err != nil {
			log.Error("cleanup hook failed", zap.Error(err))
		}
	}

	if len(completed) > 0 {
		if err := s.memo.RecordAttacks(ctx, completed); err != nil {
			log.Error("recording attacked pairs failed", zap.Error(err))
		}
	}
}

// resolveTargets turns the definition's target list into concrete hosts.
// "auto" defers to the team directory when one is present.
func (s *Session) resolveTargets(log *zap.Logger) []string {
	if !s.def.Auto() {
		return s.def.Targets
	}
	if !s.hasDir {
		log.Warn("targets are set to auto but no team directory is available")
		return nil
	}
	return s.dir.Hosts(s.own)
}

// expandAttacks pairs each target with its published flag ids, skipping
// pairs the memo already holds. Without a flag_ids command every target
// becomes a single plain attack.
func (s *Session) expandAttacks(ctx context.Context, targets []string) ([]Attack, error) {
	if s.def.FlagIDs == "" {
		attacks := make([]Attack, len(targets))
		for i, t := range targets {
			attacks[i] = Attack{Host: t}
		}
		return attacks, nil
	}

	hints, err := fetchFlagIDs(ctx, s.def.FlagIDs, s.def.Env)
	if err != nil {
		return nil, err
	}

	var attacks []Attack
	for _, t := range targets {
		ids := hints[t]
		if len(ids) == 0 {
			attacks = append(attacks, Attack{Host: t})
			continue
		}
		for _, id := range ids {
			done, err := s.memo.AttackDone(ctx, t, id)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
			attacks = append(attacks, Attack{Host: t, FlagID: id})
		}
	}
	return attacks, nil
}

// runBatch launches one worker per attack and waits out the batch under a
// shared deadline. Workers that miss it are abandoned, not killed: a stuck
// exploit process may still land its flags on a later read, and reaping it
// is the operating system's job once we exit.
func (s *Session) runBatch(ctx context.Context, log *zap.Logger, batch []Attack) [][2]string {
	results := make(chan attackResult, len(batch))
	for _, a := range batch {
		go func(a Attack) {
			output, err := s.execute(a)
			results <- attackResult{attack: a, output: output, err: err}
		}(a)
	}

	pending := make(map[string]Attack, len(batch))
	for _, a := range batch {
		pending[a.Host+"\x00"+a.FlagID] = a
	}

	deadline := time.NewTimer(s.def.Timeout)
	defer deadline.Stop()

	var completed [][2]string
	for len(pending) > 0 {
		select {
		case res := <-results:
			delete(pending, res.attack.Host+"\x00"+res.attack.FlagID)
			if res.err != nil {
				log.Error("exploit failed",
					zap.String("target", res.attack.Host),
					zap.Error(res.err))
				continue
			}
			s.report(ctx, log, res.attack, res.output)
			if res.attack.FlagID != "" {
				completed = append(completed, [2]string{res.attack.Host, res.attack.FlagID})
			}
		case <-deadline.C:
			for _, a := range pending {
				log.Warn("exploit timed out",
					zap.String("target", a.Host),
					zap.Duration("timeout", s.def.Timeout))
			}
			return completed
		case <-ctx.Done():
			return completed
		}
	}
	return completed
}

// report extracts flags from the output and forwards them. Output with no
// flags is preserved in an incident log for inspection.
func (s *Session) report(ctx context.Context, log *zap.Logger, a Attack, output string) {
	values := s.format.FindAllString(output, -1)
	if len(values) == 0 {
		path, err := logging.WriteIncident(s.def.Name, a.Host, output)
		if err != nil {
			log.Error("writing incident log failed",
				zap.String("target", a.Host), zap.Error(err))
			return
		}
		log.Warn("exploit output contains no flags",
			zap.String("target", a.Host),
			zap.String("log", path))
		return
	}

	out, err := s.enq.Enqueue(ctx, values, s.def.Name, a.Host)
	if err != nil {
		log.Error("enqueue failed",
			zap.String("target", a.Host), zap.Error(err))
		return
	}

	fields := []zap.Field{zap.String("target", a.Host)}
	switch {
	case out.Pending:
		log.Info("server unreachable, flags stored locally",
			append(fields, zap.Int("flags", len(values)))...)
	case out.Own > 0:
		log.Warn("own flags captured, vulnerability reported",
			append(fields, zap.Int("own", out.Own))...)
	default:
		log.Info("flags enqueued",
			append(fields,
				zap.Int("new", len(out.New)),
				zap.Int("duplicates", len(out.Duplicates)))...)
	}
}

// execute runs the exploit body for one attack and returns its combined
// output.
func (s *Session) execute(a Attack) (string, error) {
	var cmd *exec.Cmd
	if s.def.Run != "" {
		line := strings.ReplaceAll(s.def.Run, "[ip]", a.Host)
		cmd = exec.Command("/bin/sh", "-c", line)
	} else {
		path := s.def.Module
		if !strings.ContainsRune(path, os.PathSeparator) {
			path = "./" + path
		}
		args := []string{a.Host}
		if a.FlagID != "" {
			args = append(args, a.FlagID)
		}
		cmd = exec.Command(path, args...)
	}
	cmd.Env = environ(s.def.Env)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "output: %s", logging.Truncate(string(out), 200))
	}
	return string(out), nil
}

// fetchFlagIDs runs the configured command and decodes its host to flag id
// map.
func fetchFlagIDs(ctx context.Context, command string, env map[string]string) (map[string][]string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = environ(env)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "running flag_ids command")
	}

	hints := make(map[string][]string)
	if err := json.Unmarshal(out, &hints); err != nil {
		return nil, errors.Wrap(err, "decoding flag_ids output")
	}
	return hints, nil
}

func runHook(ctx context.Context, command string, env map[string]string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = environ(env)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "output: %s", logging.Truncate(string(out), 200))
	}
	return nil
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
