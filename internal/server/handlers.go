package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fastad/fast/internal/bus"
	"github.com/fastad/fast/internal/search"
	"github.com/fastad/fast/internal/store"
)

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	player := r.URL.Query().Get("player")
	if player == "" {
		player = "anon"
	}
	s.bus.Publish(bus.EventPlayerConnect, map[string]string{
		"player": player,
		"remote": r.RemoteAddr,
	})
	s.logger.Info("player connected",
		zap.String("player", player),
		zap.String("remote", r.RemoteAddr))

	writeJSON(w, http.StatusOK, map[string]any{
		"flag_format":   s.cfg.Game.FlagFormat,
		"tick_duration": s.cfg.Game.TickDuration,
		"team_ip":       []string(s.cfg.Game.TeamIP),
		"game_start":    s.cfg.Game.Start,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tick":      s.clock.Sync(),
		"submitter": s.sched.Sync(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.CountByStatus(r.Context(), s.clock.Current())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading flag store: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Analytics(r.Context(), s.clock.Current())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "aggregating analytics: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFlagFormat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"flag_format": s.cfg.Game.FlagFormat})
}

type enqueueRequest struct {
	Values  []string `json:"flags"`
	Exploit string   `json:"exploit"`
	Player  string   `json:"player"`
	Target  string   `json:"target"`
}

func (req *enqueueRequest) validate() error {
	if len(req.Values) == 0 {
		return errors.New("flags is required")
	}
	if req.Exploit == "" {
		return errors.New("exploit is required")
	}
	if req.Player == "" {
		req.Player = "anon"
	}
	if req.Target == "" {
		req.Target = "unknown"
	}
	return nil
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: %v", err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	// A misrouted own-team capture becomes a vulnerability report even
	// when the client failed to notice.
	if s.isOwn(req.Target) {
		s.reportVulnerability(req.Exploit, req.Player, req.Target, len(req.Values))
		writeJSON(w, http.StatusOK, map[string]int{"own": len(req.Values)})
		return
	}

	tick := s.clock.Current()
	inserts := make([]store.Insert, len(req.Values))
	for i, v := range req.Values {
		inserts[i] = store.Insert{
			Value:   v,
			Exploit: req.Exploit,
			Player:  req.Player,
			Tick:    tick,
			Target:  req.Target,
		}
	}

	newValues, duplicates, err := s.store.InsertFlags(r.Context(), inserts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing flags: %v", err)
		return
	}

	s.metrics.RecordEnqueue(r.Context(), req.Exploit, len(newValues), len(duplicates))
	s.bus.Publish(bus.EventEnqueue, map[string]any{
		"player":     req.Player,
		"exploit":    req.Exploit,
		"target":     req.Target,
		"new":        len(newValues),
		"duplicates": len(duplicates),
	})
	s.logger.Info("flags enqueued",
		zap.String("player", req.Player),
		zap.String("exploit", req.Exploit),
		zap.String("target", req.Target),
		zap.Int("new", len(newValues)),
		zap.Int("duplicates", len(duplicates)))

	writeJSON(w, http.StatusOK, map[string]any{
		"new":        newValues,
		"duplicates": duplicates,
	})
}

// fallbackFlag is one element of the bare-list /enqueue-fallback body.
type fallbackFlag struct {
	Flag      string  `json:"flag"`
	Exploit   string  `json:"exploit"`
	Player    string  `json:"player"`
	Target    string  `json:"target"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) handleEnqueueFallback(w http.ResponseWriter, r *http.Request) {
	var flags []fallbackFlag
	if err := decode(r, &flags); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: %v", err)
		return
	}
	if len(flags) == 0 {
		writeError(w, http.StatusBadRequest, "flags is required")
		return
	}

	// Each flag lands in the tick it was captured in, recovered from the
	// client-side timestamp; no timestamp means the current tick.
	inserts := make([]store.Insert, len(flags))
	for i, f := range flags {
		tick := s.clock.Current()
		if f.Timestamp > 0 {
			sec := int64(f.Timestamp)
			nsec := int64((f.Timestamp - float64(sec)) * float64(time.Second))
			tick = s.clock.TickAt(time.Unix(sec, nsec))
		}
		player := f.Player
		if player == "" {
			player = "anon"
		}
		inserts[i] = store.Insert{
			Value:   f.Flag,
			Exploit: f.Exploit,
			Player:  player,
			Tick:    tick,
			Target:  f.Target,
		}
	}

	newValues, duplicates, err := s.store.InsertFlags(r.Context(), inserts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing flags: %v", err)
		return
	}

	s.bus.Publish(bus.EventEnqueueFallback, map[string]any{
		"new":        len(newValues),
		"duplicates": len(duplicates),
	})
	s.logger.Info("fallback flags enqueued",
		zap.Int("new", len(newValues)),
		zap.Int("duplicates", len(duplicates)))

	writeJSON(w, http.StatusOK, map[string]any{
		"new":        newValues,
		"duplicates": duplicates,
	})
}

type manualRequest struct {
	Values []string `json:"flags"`
	Action string   `json:"action"` // enqueue or submit
	Player string   `json:"player"`
}

func (s *Server) handleEnqueueManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: %v", err)
		return
	}
	if len(req.Values) == 0 {
		writeError(w, http.StatusBadRequest, "flags is required")
		return
	}
	if req.Player == "" {
		req.Player = "anon"
	}

	switch req.Action {
	case "", "enqueue":
		tick := s.clock.Current()
		inserts := make([]store.Insert, len(req.Values))
		for i, v := range req.Values {
			inserts[i] = store.Insert{
				Value:   v,
				Exploit: "manual",
				Player:  req.Player,
				Tick:    tick,
				Target:  "unknown",
			}
		}
		newValues, duplicates, err := s.store.InsertFlags(r.Context(), inserts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storing flags: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"new":        newValues,
			"duplicates": duplicates,
		})

	case "submit":
		// Bypass the queue and face the checker immediately. All or
		// nothing: a submitter failure stores nothing.
		result, err := s.submit(r.Context(), req.Values)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "submitter failed: %v", err)
			return
		}

		tick := s.clock.Current()
		inserts := make([]store.Insert, 0, len(req.Values))
		for _, v := range req.Values {
			ins := store.Insert{
				Value:   v,
				Exploit: "manual",
				Player:  req.Player,
				Tick:    tick,
				Target:  "unknown",
			}
			if resp, ok := result.Accepted[v]; ok {
				ins.Status = store.StatusAccepted
				ins.Response = resp
			} else if resp, ok := result.Rejected[v]; ok {
				ins.Status = store.StatusRejected
				ins.Response = resp
			}
			inserts = append(inserts, ins)
		}
		if _, _, err := s.store.InsertFlags(r.Context(), inserts); err != nil {
			writeError(w, http.StatusInternalServerError, "storing flags: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted": result.Accepted,
			"rejected": result.Rejected,
		})

	default:
		writeError(w, http.StatusBadRequest, "action must be enqueue or submit")
	}
}

// handleVulnReport records that an exploit works against the own team.
// A pure event: no flags travel with it.
func (s *Server) handleVulnReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Exploit string `json:"exploit"`
		Player  string `json:"player"`
		Target  string `json:"target"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: %v", err)
		return
	}
	if req.Exploit == "" {
		writeError(w, http.StatusBadRequest, "exploit is required")
		return
	}
	if req.Player == "" {
		req.Player = "anon"
	}
	if req.Target == "" {
		req.Target = "unknown"
	}

	s.reportVulnerability(req.Exploit, req.Player, req.Target, 1)
	writeJSON(w, http.StatusOK, map[string]string{"message": "vulnerability reported"})
}

func (s *Server) reportVulnerability(exploit, player, target string, count int) {
	s.metrics.RecordOwn(context.Background(), exploit, count)
	s.bus.Publish(bus.EventVulnReported, map[string]any{
		"player":  player,
		"exploit": exploit,
		"target":  target,
		"count":   count,
	})
	s.logger.Warn("own flags captured, the service is exploitable",
		zap.String("player", player),
		zap.String("exploit", exploit),
		zap.String("target", target),
		zap.Int("count", count))
}

func (s *Server) handleTriggerSubmit(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RunOnce(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "submission failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type searchRequest struct {
	Query  string            `json:"query"`
	Page   int               `json:"page"`
	Show   int               `json:"show"`
	SortBy []store.SortField `json:"sort"`
	// Redaction is opt-out: search results may end up on shared screens.
	HideFlags *bool `json:"hide_flags"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: %v", err)
		return
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Show < 1 {
		req.Show = 25
	}
	if req.Show > 100 {
		req.Show = 100
	}

	match := func(store.Flag) bool { return true }
	if req.Query != "" {
		q, err := search.Compile(req.Query)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid query: %v", err)
			return
		}
		match = q.Match
	}

	started := time.Now()
	results, total, err := s.store.Search(r.Context(), match, req.SortBy, req.Page, req.Show)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "searching flags: %v", err)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"results": results,
		"total":   total,
		"page":    req.Page,
		"elapsed": time.Since(started).Seconds(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding results: %v", err)
		return
	}
	if req.HideFlags == nil || *req.HideFlags {
		payload = search.Redact(payload, s.format)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing webhooks: %v", err)
		return
	}
	if hooks == nil {
		hooks = []store.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Exploit string `json:"exploit"`
		Player  string `json:"player"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: %v", err)
		return
	}
	if req.Exploit == "" {
		writeError(w, http.StatusBadRequest, "exploit is required")
		return
	}
	if req.Player == "" {
		req.Player = "anon"
	}

	hook, err := s.store.CreateWebhook(r.Context(), req.Exploit, req.Player)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating webhook: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(r.Context(), r.PathValue("id"))
	if err == store.ErrWebhookNotFound {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading webhook: %v", err)
		return
	}

	var req struct {
		Exploit  *string `json:"exploit"`
		Player   *string `json:"player"`
		Disabled *bool   `json:"disabled"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: %v", err)
		return
	}
	if req.Exploit != nil {
		hook.Exploit = *req.Exploit
	}
	if req.Player != nil {
		hook.Player = *req.Player
	}
	if req.Disabled != nil {
		hook.Disabled = *req.Disabled
	}

	if err := s.store.UpdateWebhook(r.Context(), hook); err != nil {
		writeError(w, http.StatusInternalServerError, "updating webhook: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

// handleExfiltration accepts flags smuggled out over any HTTP shape: the
// flag format is matched against the URL, the query string and the body.
func (s *Server) handleExfiltration(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(r.Context(), r.PathValue("webhookID"))
	if err == store.ErrWebhookNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading webhook: %v", err)
		return
	}
	if hook.Disabled {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	haystack := r.URL.RequestURI() + "\n" + string(body)
	values := dedupe(s.format.FindAllString(haystack, -1))
	if len(values) == 0 {
		writeError(w, http.StatusBadRequest, "no flags found in request")
		return
	}

	inserts := make([]store.Insert, len(values))
	for i, v := range values {
		inserts[i] = store.Insert{
			Value:   v,
			Exploit: hook.Exploit,
			Player:  hook.Player,
			Tick:    s.clock.Current(),
			Target:  "webhook",
		}
	}
	newValues, duplicates, err := s.store.InsertFlags(r.Context(), inserts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing flags: %v", err)
		return
	}

	s.metrics.RecordEnqueue(r.Context(), hook.Exploit, len(newValues), len(duplicates))
	s.bus.Publish(bus.EventEnqueue, map[string]any{
		"player":     hook.Player,
		"exploit":    hook.Exploit,
		"target":     "webhook",
		"new":        len(newValues),
		"duplicates": len(duplicates),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"new":        newValues,
		"duplicates": duplicates,
	})
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
