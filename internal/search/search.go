// Package search compiles dashboard queries into predicates over stored
// flags. Queries are expr expressions, e.g.:
//
//	status == "accepted" && tick >= 5 && exploit != "manual"
//	value matches "FLAG\\{.*\\}" && timestamp > ago("5m")
package search

import (
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"

	"github.com/fastad/fast/internal/store"
)

// Env is the variable set a query may reference. Unknown identifiers fail
// compilation, not evaluation.
type Env struct {
	Value     string    `expr:"value"`
	Exploit   string    `expr:"exploit"`
	Player    string    `expr:"player"`
	Tick      int       `expr:"tick"`
	Target    string    `expr:"target"`
	Timestamp time.Time `expr:"timestamp"`
	Status    string    `expr:"status"`
	Response  string    `expr:"response"`

	Ago func(s string) time.Time `expr:"ago"`
	At  func(s string) time.Time `expr:"at"`
}

func envFor(f store.Flag) Env {
	return Env{
		Value:     f.Value,
		Exploit:   f.Exploit,
		Player:    f.Player,
		Tick:      f.Tick,
		Target:    f.Target,
		Timestamp: f.Timestamp,
		Status:    f.Status,
		Response:  f.Response,
		Ago:       ago,
		At:        at,
	}
}

// ago resolves relative instants like ago("90s") or ago("5m").
func ago(s string) time.Time {
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}
	}
	return time.Now().Add(-d)
}

// at resolves wall-clock instants like at("14:30") or at("14:30:15"),
// interpreted as today.
func at(s string) time.Time {
	now := time.Now()
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return time.Date(now.Year(), now.Month(), now.Day(),
				t.Hour(), t.Minute(), t.Second(), 0, time.Local)
		}
	}
	return time.Time{}
}

// Query is a compiled search predicate.
type Query struct {
	program *vm.Program
}

// Compile validates and compiles a query expression.
func Compile(query string) (*Query, error) {
	program, err := expr.Compile(query, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, errors.Wrap(err, "invalid query")
	}
	return &Query{program: program}, nil
}

// Match evaluates the predicate against one flag. Evaluation errors count
// as non-matches.
func (q *Query) Match(f store.Flag) bool {
	out, err := expr.Run(q.program, envFor(f))
	if err != nil {
		return false
	}
	matched, ok := out.(bool)
	return ok && matched
}

// Redact replaces every flag-format match in the serialized response with a
// placeholder, so screens shared on stream do not leak flags.
func Redact(data []byte, flagFormat *regexp.Regexp) []byte {
	return flagFormat.ReplaceAll(data, []byte("[REDACTED]"))
}
