package config

import (
	"bytes"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the parsed fast.yaml.
type ClientConfig struct {
	Connect  ConnectConfig  `yaml:"connect"`
	Listener ListenerConfig `yaml:"listener"`
	Exploits []ExploitEntry `yaml:"exploits"`
}

// ConnectConfig describes how the client reaches the Fast server.
type ConnectConfig struct {
	Protocol string `yaml:"protocol" json:"protocol"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Player   string `yaml:"player" json:"player"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// ListenerConfig is the local command socket address.
type ListenerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// ExploitEntry is one exploit definition as written in fast.yaml. Target
// expansion and defaulting happen later, in the exploit package.
type ExploitEntry struct {
	Name    string            `yaml:"name"`
	Targets []string          `yaml:"targets"`
	Module  string            `yaml:"module,omitempty"`
	Run     string            `yaml:"run,omitempty"`
	Prepare string            `yaml:"prepare,omitempty"`
	Cleanup string            `yaml:"cleanup,omitempty"`
	FlagIDs string            `yaml:"flag_ids,omitempty"`
	Timeout float64           `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Delay   float64           `yaml:"delay,omitempty"`
	Batches *BatchesEntry     `yaml:"batches,omitempty"`
}

// BatchesEntry configures intra-exploit batching. Exactly one of Count or
// Size must be set alongside Wait.
type BatchesEntry struct {
	Count int     `yaml:"count,omitempty"`
	Size  int     `yaml:"size,omitempty"`
	Wait  float64 `yaml:"wait"`
}

// LoadClient reads and validates fast.yaml from the given path.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errf(path, "not found in the current working directory")
		}
		return nil, err
	}
	return ParseClient(data)
}

// ParseClient parses fast.yaml contents. The exploit loader calls this on
// every tick with the raw bytes it already hashed.
func ParseClient(data []byte) (*ClientConfig, error) {
	cfg := &ClientConfig{
		Connect: ConnectConfig{
			Protocol: "http",
			Host:     "127.0.0.1",
			Port:     2023,
			Player:   "anon",
		},
		Listener: ListenerConfig{Host: "127.0.0.1", Port: 2024},
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errf("fast.yaml", "is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errf("fast.yaml", "%v", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) validate() error {
	conn := c.Connect
	if conn.Protocol != "http" && conn.Protocol != "https" {
		return errf("connect.protocol", "must be http or https")
	}
	if conn.Host == "" {
		return errf("connect.host", "is required")
	}
	if conn.Port < 1 || conn.Port > 65535 {
		return errf("connect.port", "must be in range [1, 65535]")
	}
	if len(conn.Player) > 20 {
		return errf("connect.player", "must be at most 20 characters")
	}
	if c.Listener.Port < 1 || c.Listener.Port > 65535 {
		return errf("listener.port", "must be in range [1, 65535]")
	}

	names := make(map[string]struct{}, len(c.Exploits))
	for i, e := range c.Exploits {
		if err := e.validate(i); err != nil {
			return err
		}
		if _, dup := names[e.Name]; dup {
			return errf(fieldAt(i, "name"), "duplicate exploit name %q", e.Name)
		}
		names[e.Name] = struct{}{}
	}
	return nil
}

func (e ExploitEntry) validate(i int) error {
	if e.Name == "" {
		return errf(fieldAt(i, "name"), "is required")
	}
	if len(e.Name) > 100 {
		return errf(fieldAt(i, "name"), "must be at most 100 characters")
	}
	if len(e.Targets) == 0 {
		return errf(fieldAt(i, "targets"), "is required")
	}
	if e.Module != "" && e.Run != "" {
		return errf(fieldAt(i, "module"), "module and run are mutually exclusive")
	}
	if e.Timeout < 0 {
		return errf(fieldAt(i, "timeout"), "must be positive")
	}
	if e.Delay < 0 {
		return errf(fieldAt(i, "delay"), "must be positive")
	}
	if b := e.Batches; b != nil {
		if (b.Count == 0) == (b.Size == 0) {
			return errf(fieldAt(i, "batches"), "exactly one of count or size is required")
		}
		if b.Count < 0 || b.Size < 0 || b.Wait < 0 {
			return errf(fieldAt(i, "batches"), "count, size and wait must be positive")
		}
	}
	return nil
}

func fieldAt(i int, name string) string {
	return "exploits[" + strconv.Itoa(i) + "]." + name
}
