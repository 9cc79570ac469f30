package config

// ServerConfig is the parsed server.yaml.
type ServerConfig struct {
	Game      Game            `yaml:"game"`
	Submitter SubmitterConfig `yaml:"submitter"`
	Server    ListenConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
}

// SubmitterConfig selects the submission cadence. Exactly one of Delay or
// Interval must be set.
type SubmitterConfig struct {
	Delay    *float64 `yaml:"delay,omitempty" json:"delay,omitempty"`
	Interval *float64 `yaml:"interval,omitempty" json:"interval,omitempty"`
	Module   string   `yaml:"module" json:"module"`
}

// ListenConfig is the server bind address and optional shared password.
type ListenConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// DatabaseConfig locates the flag store.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LoadServer reads and validates server.yaml from the given path.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Submitter: SubmitterConfig{Module: "submitter"},
		Server:    ListenConfig{Host: "0.0.0.0", Port: 2023},
		Database:  DatabaseConfig{Path: ".fast/fast.db"},
	}
	if err := decodeStrict(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if err := c.Game.validate(); err != nil {
		return err
	}

	sub := c.Submitter
	switch {
	case sub.Delay == nil && sub.Interval == nil:
		return errf("submitter", "one of delay or interval is required")
	case sub.Delay != nil && sub.Interval != nil:
		return errf("submitter", "delay and interval are mutually exclusive")
	case sub.Delay != nil:
		if *sub.Delay <= 0 || *sub.Delay >= float64(c.Game.TickDuration) {
			return errf("submitter.delay", "must satisfy 0 < delay < tick_duration (%d)", c.Game.TickDuration)
		}
	case sub.Interval != nil:
		iv := *sub.Interval
		if iv <= 0 {
			return errf("submitter.interval", "must be positive")
		}
		if iv != float64(int(iv)) || c.Game.TickDuration%int(iv) != 0 {
			return errf("submitter.interval", "tick_duration (%d) must be a multiple of interval", c.Game.TickDuration)
		}
	}
	if sub.Module == "" {
		return errf("submitter.module", "is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errf("server.port", "must be in range [1, 65535]")
	}
	if c.Database.Path == "" {
		return errf("database.path", "is required")
	}
	return nil
}
