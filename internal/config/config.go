// Package config loads and validates the fast.yaml and server.yaml files.
//
// Decoding is strict: unknown keys are rejected, and every validation
// failure names the offending field.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Error indicates invalid configuration. The Field carries the path to the
// offending value.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

func errf(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Game holds the game parameters shared between server and client. The
// server is authoritative; clients receive it via GET /config.
type Game struct {
	TickDuration int        `yaml:"tick_duration" json:"tick_duration"`
	FlagFormat   string     `yaml:"flag_format" json:"flag_format"`
	TeamIP       StringList `yaml:"team_ip" json:"team_ip"`
	Start        string     `yaml:"start,omitempty" json:"start,omitempty"`
	TeamsJSONURL string     `yaml:"teams_json_url,omitempty" json:"teams_json_url,omitempty"`
}

// StringList accepts either a single YAML string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	default:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = StringList(list)
		return nil
	}
}

// TickInterval returns the tick duration as a time.Duration.
func (g Game) TickInterval() time.Duration {
	return time.Duration(g.TickDuration) * time.Second
}

// StartTime parses the optional explicit game start.
func (g Game) StartTime() (time.Time, bool, error) {
	if g.Start == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, g.Start, time.Local); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, errf("game.start", "%q does not match YYYY-MM-DD HH:MM[:SS]", g.Start)
}

func (g Game) validate() error {
	if g.TickDuration <= 0 {
		return errf("game.tick_duration", "must be a positive number of seconds")
	}
	if g.FlagFormat == "" {
		return errf("game.flag_format", "is required")
	}
	if _, err := regexp.Compile(g.FlagFormat); err != nil {
		return errf("game.flag_format", "invalid regular expression: %v", err)
	}
	if len(g.TeamIP) == 0 {
		return errf("game.team_ip", "is required")
	}
	if _, _, err := g.StartTime(); err != nil {
		return err
	}
	return nil
}

func decodeStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errf(path, "not found in the current working directory")
		}
		return err
	}
	if len(data) == 0 {
		return errf(path, "is empty")
	}

	var probe any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return errf(path, "invalid YAML: %v", err)
	}
	if probe == nil {
		return errf(path, "is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errf(path, "%v", err)
	}
	return nil
}
