// Package teams reads the optional team directory used by the "auto"
// target list.
package teams

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/fastad/fast/internal/hosts"
)

// DefaultPath is where the client looks for the team directory.
const DefaultPath = ".fast/teams.json"

// Directory maps team ids to hosts via a format string where '*' stands in
// for the team id, e.g. "10.0.*.1".
type Directory struct {
	Teams  []int  `json:"teams"`
	Format string `json:"format"`
}

// Load reads the directory from the given path. ok is false when the file
// does not exist.
func Load(path string) (Directory, bool, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Directory{}, false, nil
	}
	if err != nil {
		return Directory{}, false, err
	}

	var dir Directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return Directory{}, false, err
	}
	return dir, true, nil
}

// Host renders the host for one team id.
func (d Directory) Host(teamID int) string {
	return strings.ReplaceAll(d.Format, "*", strconv.Itoa(teamID))
}

// Hosts expands every team id into a host, skipping the team's own
// addresses.
func (d Directory) Hosts(own []string) []string {
	out := make([]string, 0, len(d.Teams))
	for _, id := range d.Teams {
		host := d.Host(id)
		if isOwn(host, own) {
			continue
		}
		out = append(out, host)
	}
	return out
}

func isOwn(host string, own []string) bool {
	for _, o := range own {
		if hosts.Equal(host, o) {
			return true
		}
	}
	return false
}
