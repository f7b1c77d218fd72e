package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/filter"
	"github.com/tkingovr/wafguard/internal/policy"
)

const recentLimit = 50

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	records, err := s.store.Query(r.Context(), api.QueryFilter{Intervened: true})
	if err != nil {
		http.Error(w, "failed to query audit log", http.StatusInternalServerError)
		return
	}
	if len(records) > recentLimit {
		records = records[len(records)-recentLimit:]
	}
	reverse(records)

	data := map[string]any{
		"Stats":   stats,
		"Records": records,
	}
	if cfg := s.source.Current(); cfg != nil {
		data["Connector"] = cfg.Connector()
		if rules := cfg.Rules(); rules != nil {
			data["Rules"] = rules.Len()
			data["Settings"] = rules.Settings()
		}
	}
	renderPage(w, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleAPIAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseQueryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.store.Query(r.Context(), f)
	if err != nil {
		http.Error(w, "failed to query audit log", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*api.AuditRecord{}
	}
	writeJSON(w, records)
}

func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.store.Subscribe(r.Context())
	defer cancel()

	for {
		select {
		case record, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(record)
			if err != nil {
				s.logger.Error("encoding audit record", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: audit\ndata: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// rulesSummary is the body of GET /api/v1/rules.
type rulesSummary struct {
	Connector string                `json:"connector"`
	Settings  policy.EngineSettings `json:"settings"`
	Rules     []policy.Rule         `json:"rules"`
	Rego      int                   `json:"rego_modules"`
	Failed    int                   `json:"failed_sources"`
	Remote    bool                  `json:"remote"`
}

func (s *Server) handleAPIRules(w http.ResponseWriter, _ *http.Request) {
	cfg := s.source.Current()
	if cfg == nil || cfg.Rules() == nil {
		http.Error(w, "no rules loaded", http.StatusServiceUnavailable)
		return
	}
	rules := cfg.Rules()
	report := cfg.LoadReport()
	writeJSON(w, rulesSummary{
		Connector: cfg.Connector(),
		Settings:  rules.Settings(),
		Rules:     rules.Rules(),
		Rego:      rules.RegoModules(),
		Failed:    report.Failed,
		Remote:    report.Remote,
	})
}

func (s *Server) handleAPICheck(w http.ResponseWriter, r *http.Request) {
	var req api.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg := s.source.Current()
	if cfg == nil {
		http.Error(w, "no rules loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, filter.Check(r.Context(), cfg, req))
}

func parseQueryFilter(r *http.Request) (api.QueryFilter, error) {
	q := r.URL.Query()
	f := api.QueryFilter{
		ClientIP: q.Get("client_ip"),
		Limit:    100,
	}

	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("invalid since: %w", err)
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("invalid until: %w", err)
		}
	}
	if v := q.Get("intervened"); v != "" {
		if f.Intervened, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("invalid intervened: %w", err)
		}
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"rule_id", &f.RuleID},
		{"limit", &f.Limit},
		{"offset", &f.Offset},
	}
	for _, p := range ints {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid %s %q", p.name, v)
		}
		*p.dst = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func reverse(records []*api.AuditRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
