// Package submit invokes the user-supplied submitter on queued flags and
// schedules when that happens.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Result is what the external submitter reports for one run.
type Result struct {
	Accepted map[string]string `json:"accepted"`
	Rejected map[string]string `json:"rejected"`
}

// Func submits a batch of flag values to the game checker. Implementations
// are user code; any error is tick-scoped and never modifies statuses.
type Func func(ctx context.Context, values []string) (Result, error)

// Command builds a Func that runs the given shell command as a child
// process. The child is kept out-of-process so user errors cannot take the
// server down. Protocol: one value per line on stdin, a JSON object
// {"accepted": {value: response}, "rejected": {value: response}} on stdout.
func Command(command string) Func {
	return func(ctx context.Context, values []string) (Result, error) {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Stdin = strings.NewReader(strings.Join(values, "\n") + "\n")

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return Result{}, errors.Wrapf(err, "submitter failed: %s", strings.TrimSpace(stderr.String()))
		}

		var res Result
		if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
			return Result{}, errors.Wrap(err, "submitter output is not valid JSON")
		}
		if res.Accepted == nil {
			res.Accepted = map[string]string{}
		}
		if res.Rejected == nil {
			res.Rejected = map[string]string{}
		}
		return res, nil
	}
}
