// Package exploit runs the configured exploits against their targets on
// every tick and feeds the captured flags to the server.
package exploit

import (
	"time"

	"github.com/fastad/fast/internal/config"
	"github.com/fastad/fast/internal/hosts"
)

// DefaultTimeout bounds an exploit session when fast.yaml does not set one.
const DefaultTimeout = 30 * time.Second

// Batching partitions a session's attacks. Exactly one of Count or Size is
// set.
type Batching struct {
	Count int
	Size  int
	Wait  time.Duration
}

// Definition is one runnable exploit, built from a validated fast.yaml
// entry. Targets hold expanded hosts, or the single sentinel "auto".
type Definition struct {
	Name    string
	Targets []string
	Module  string // executable implementing the exploit capability
	Run     string // shell template with [ip] placeholder
	Prepare string
	Cleanup string
	FlagIDs string // optional command publishing per-flag hints
	Timeout time.Duration
	Env     map[string]string
	Delay   time.Duration
	Batches *Batching
}

// Auto reports whether the target list defers to the team directory.
func (d Definition) Auto() bool {
	return len(d.Targets) == 1 && d.Targets[0] == "auto"
}

// FromEntry converts a config entry into a runnable definition, expanding
// target ranges. An entry with neither run nor module falls back to a
// module named after the exploit, matching the config convention.
func FromEntry(e config.ExploitEntry) (Definition, error) {
	d := Definition{
		Name:    e.Name,
		Module:  e.Module,
		Run:     e.Run,
		Prepare: e.Prepare,
		Cleanup: e.Cleanup,
		FlagIDs: e.FlagIDs,
		Timeout: DefaultTimeout,
		Env:     e.Env,
		Delay:   time.Duration(e.Delay * float64(time.Second)),
	}

	if d.Run == "" && d.Module == "" {
		d.Module = e.Name
	}
	if e.Timeout > 0 {
		d.Timeout = time.Duration(e.Timeout * float64(time.Second))
	}
	if b := e.Batches; b != nil {
		d.Batches = &Batching{
			Count: b.Count,
			Size:  b.Size,
			Wait:  time.Duration(b.Wait * float64(time.Second)),
		}
	}

	if len(e.Targets) == 1 && e.Targets[0] == "auto" {
		d.Targets = []string{"auto"}
		return d, nil
	}
	expanded, err := hosts.Expand(e.Targets)
	if err != nil {
		return Definition{}, err
	}
	d.Targets = expanded
	return d, nil
}

// Attack is one invocation of an exploit body against one host, optionally
// carrying a per-flag hint.
type Attack struct {
	Host   string
	FlagID string
}

// partitionCount splits attacks into k near-equal batches, distributing the
// remainder into the first few. k larger than the attack count collapses to
// single-attack batches; empty batches are discarded.
func partitionCount(attacks []Attack, k int) [][]Attack {
	if k <= 0 {
		return [][]Attack{attacks}
	}
	n := len(attacks)
	if k > n {
		k = n
	}
	if k == 0 {
		return nil
	}

	size, rem := n/k, n%k
	batches := make([][]Attack, 0, k)
	pos := 0
	for i := 0; i < k; i++ {
		extent := size
		if i < rem {
			extent++
		}
		if extent == 0 {
			continue
		}
		batches = append(batches, attacks[pos:pos+extent])
		pos += extent
	}
	return batches
}

// partitionSize groups consecutive attacks into fixed-size batches; the
// last batch may be smaller.
func partitionSize(attacks []Attack, size int) [][]Attack {
	if size <= 0 {
		return [][]Attack{attacks}
	}
	var batches [][]Attack
	for lo := 0; lo < len(attacks); lo += size {
		hi := lo + size
		if hi > len(attacks) {
			hi = len(attacks)
		}
		batches = append(batches, attacks[lo:hi])
	}
	return batches
}

// partition applies the definition's batching mode. No batching, or a zero
// wait, yields a single batch covering everything.
func (d Definition) partition(attacks []Attack) [][]Attack {
	if len(attacks) == 0 {
		return nil
	}
	b := d.Batches
	if b == nil || b.Wait <= 0 {
		return [][]Attack{attacks}
	}
	if b.Count > 0 {
		return partitionCount(attacks, b.Count)
	}
	return partitionSize(attacks, b.Size)
}
