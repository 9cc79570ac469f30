// Package client is the HTTP side of the fast client: it talks to the
// fastd API, routes captured flags and forwards the fallback queue.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fastad/fast/internal/config"
	"github.com/fastad/fast/internal/exploit"
	"github.com/fastad/fast/internal/fallback"
	"github.com/fastad/fast/internal/hosts"
)

// ConfigSnapshot is where the fetched game config is persisted for
// inspection and for tooling that runs outside the client process.
const ConfigSnapshot = ".fast/config.json"

// RemoteConfig is the game configuration served by fastd, secrets
// stripped.
type RemoteConfig struct {
	FlagFormat   string   `json:"flag_format"`
	TickDuration int      `json:"tick_duration"`
	TeamIP       []string `json:"team_ip"`
	Start        string   `json:"game_start,omitempty"`
}

// SyncResponse carries the server's tick and submitter timing.
type SyncResponse struct {
	Tick struct {
		Current   int     `json:"current"`
		Duration  float64 `json:"duration"`
		Elapsed   float64 `json:"elapsed"`
		Remaining float64 `json:"remaining"`
	} `json:"tick"`
	Submitter struct {
		Delay     *float64 `json:"delay,omitempty"`
		Interval  *float64 `json:"interval,omitempty"`
		Remaining float64  `json:"remaining"`
	} `json:"submitter"`
}

// StatsResponse mirrors the server's flag store counters.
type StatsResponse struct {
	Queued   int `json:"queued"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Client talks to one fastd instance on behalf of one player.
type Client struct {
	base     string
	player   string
	password string
	http     *http.Client
	fallback *fallback.Store
	logger   *zap.Logger

	own []string // own team hosts, learned from the fetched config
}

// New builds a client from the connect section of fast.yaml.
func New(conn config.ConnectConfig, fb *fallback.Store, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:     fmt.Sprintf("%s://%s:%d", conn.Protocol, hosts.Wrap(conn.Host), conn.Port),
		player:   conn.Player,
		password: conn.Password,
		http:     &http.Client{Timeout: 10 * time.Second},
		fallback: fb,
		logger:   logger,
	}
}

// Player returns the player name this client announces.
func (c *Client) Player() string { return c.player }

// FetchConfig announces the player, fetches the game config and persists a
// snapshot under .fast/.
func (c *Client) FetchConfig(ctx context.Context) (*RemoteConfig, error) {
	var cfg RemoteConfig
	if err := c.get(ctx, "/config?player="+c.player, &cfg); err != nil {
		return nil, err
	}
	c.own = cfg.TeamIP

	if err := os.MkdirAll(filepath.Dir(ConfigSnapshot), 0755); err == nil {
		if data, err := json.MarshalIndent(cfg, "", "  "); err == nil {
			if err := os.WriteFile(ConfigSnapshot, data, 0644); err != nil {
				c.logger.Debug("persisting config snapshot failed", zap.Error(err))
			}
		}
	}
	return &cfg, nil
}

// Sync fetches the server's clock so the client can align its tick loop.
func (c *Client) Sync(ctx context.Context) (*SyncResponse, error) {
	var sync SyncResponse
	if err := c.get(ctx, "/sync", &sync); err != nil {
		return nil, err
	}
	return &sync, nil
}

// Stats fetches the flag store counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var stats StatsResponse
	if err := c.get(ctx, "/flagstore-stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TriggerSubmit asks the server to run the submitter now.
func (c *Client) TriggerSubmit(ctx context.Context) error {
	return c.post(ctx, "/trigger-submit", nil, nil)
}

type enqueueRequest struct {
	Values  []string `json:"flags"`
	Exploit string   `json:"exploit"`
	Player  string   `json:"player"`
	Target  string   `json:"target"`
}

type vulnReportRequest struct {
	Exploit string `json:"exploit"`
	Player  string `json:"player"`
	Target  string `json:"target"`
}

type enqueueResponse struct {
	New        []string `json:"new"`
	Duplicates []string `json:"duplicates"`
}

// Enqueue routes captured flags. Own-team flags become a vulnerability
// report instead of an enqueue; an unreachable server diverts the batch
// into the local fallback store.
func (c *Client) Enqueue(ctx context.Context, values []string, exploitName, target string) (exploit.Outcome, error) {
	if c.isOwn(target) {
		if err := c.post(ctx, "/vuln-report", vulnReportRequest{
			Exploit: exploitName,
			Player:  c.player,
			Target:  target,
		}, nil); err != nil {
			return exploit.Outcome{}, err
		}
		return exploit.Outcome{Own: len(values)}, nil
	}

	var resp enqueueResponse
	err := c.post(ctx, "/enqueue", enqueueRequest{
		Values:  values,
		Exploit: exploitName,
		Player:  c.player,
		Target:  target,
	}, &resp)
	if err == nil {
		return exploit.Outcome{New: resp.New, Duplicates: resp.Duplicates}, nil
	}

	var httpErr *StatusError
	if errors.As(err, &httpErr) {
		// The server answered; storing locally would only duplicate flags
		// it has already judged.
		return exploit.Outcome{}, err
	}

	if fbErr := c.fallback.Add(ctx, exploitName, target, values); fbErr != nil {
		return exploit.Outcome{}, errors.Wrap(fbErr, "server unreachable and fallback store failed")
	}
	return exploit.Outcome{Pending: true}, nil
}

// fallbackFlag is one element of the bare-list /enqueue-fallback body.
type fallbackFlag struct {
	Flag      string  `json:"flag"`
	Exploit   string  `json:"exploit"`
	Player    string  `json:"player"`
	Target    string  `json:"target"`
	Timestamp float64 `json:"timestamp"`
}

// DrainFallback forwards every pending fallback flag in one batch. Flags
// are marked forwarded only after the server acknowledges them, so a
// failed drain retries on the next tick.
func (c *Client) DrainFallback(ctx context.Context) error {
	pending, err := c.fallback.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	req := make([]fallbackFlag, len(pending))
	ids := make([]int64, len(pending))
	for i, f := range pending {
		req[i] = fallbackFlag{
			Flag:      f.Value,
			Exploit:   f.Exploit,
			Player:    c.player,
			Target:    f.Target,
			Timestamp: float64(f.Timestamp.UnixNano()) / float64(time.Second),
		}
		ids[i] = f.ID
	}

	if err := c.post(ctx, "/enqueue-fallback", req, nil); err != nil {
		return err
	}
	if err := c.fallback.MarkForwarded(ctx, ids); err != nil {
		return err
	}
	c.logger.Info("forwarded fallback flags", zap.Int("count", len(ids)))
	return nil
}

func (c *Client) isOwn(target string) bool {
	for _, o := range c.own {
		if hosts.Equal(target, o) {
			return true
		}
	}
	return false
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with %d: %s", e.Code, e.Body)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.password != "" {
		req.SetBasicAuth(c.player, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "reaching the server")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
