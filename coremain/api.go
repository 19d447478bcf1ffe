package coremain

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (m *Lanwatch) registerAPI() {
	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	m.httpAPIMux.HandleFunc("/api/services", m.handleServices)
	m.httpAPIMux.HandleFunc("/api/count", m.handleCount)
}

type serviceView struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	TTL        uint32    `json:"ttl"`
	Source     string    `json:"source,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Data       []byte    `json:"data,omitempty"`
}

// handleServices returns the current non-expired snapshot.
func (m *Lanwatch) handleServices(w http.ResponseWriter, req *http.Request) {
	snapshot := m.registry.GetAll()

	views := make([]serviceView, 0, len(snapshot))
	for _, rec := range snapshot {
		v := serviceView{
			Name:       rec.Name,
			Type:       rec.Type,
			TTL:        rec.TTL,
			ObservedAt: rec.ObservedAt,
			Data:       rec.Data,
		}
		if rec.Source != nil {
			v.Source = rec.Source.String()
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(views); err != nil {
		m.logger.Warn("failed to write services response")
	}
}

// handleCount returns the raw entry count, stale-but-unswept entries
// included.
func (m *Lanwatch) handleCount(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"count": m.registry.Len()})
}
