package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"time"

	"archive-agent/internal/domain"
)

// breakerValue encodes breaker states as a gauge.
var breakerValue = map[string]int{"closed": 0, "half-open": 1, "open": 2}

// handleMetrics writes GET /metrics in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	router := s.deps.Broker.Router()
	m := router.Metrics()

	metric(w, "archiveagent_router_requests_total", "counter", "Requests accepted by the router.", m.Requests)
	metric(w, "archiveagent_router_successes_total", "counter", "Requests answered by an agent.", m.Successes)
	metric(w, "archiveagent_router_failures_total", "counter", "Failed dispatch attempts and rejections.", m.Failures)

	states := router.Registry().ReportStatus()
	counts := map[domain.AgentState]int{
		domain.AgentOnline:  0,
		domain.AgentOffline: 0,
		domain.AgentError:   0,
		domain.AgentUnknown: 0,
	}
	for _, st := range states {
		counts[st]++
	}
	fmt.Fprintf(w, "# HELP archiveagent_agents Registered agents by status.\n")
	fmt.Fprintf(w, "# TYPE archiveagent_agents gauge\n")
	for _, st := range []domain.AgentState{domain.AgentOnline, domain.AgentOffline, domain.AgentError, domain.AgentUnknown} {
		fmt.Fprintf(w, "archiveagent_agents{status=%q} %d\n", st, counts[st])
	}

	if breakers := router.BreakerStates(); len(breakers) > 0 {
		names := make([]string, 0, len(breakers))
		for name := range breakers {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "# HELP archiveagent_breaker_state Circuit state per agent (0 closed, 1 half-open, 2 open).\n")
		fmt.Fprintf(w, "# TYPE archiveagent_breaker_state gauge\n")
		for _, name := range names {
			fmt.Fprintf(w, "archiveagent_breaker_state{agent=%q} %d\n", name, breakerValue[breakers[name]])
		}
	}

	metric(w, "archiveagent_http_requests_total", "counter", "HTTP requests served by the gateway.", s.metrics.HTTPRequests.Load())
	metric(w, "archiveagent_http_errors_total", "counter", "HTTP responses with status >= 400.", s.metrics.HTTPErrors.Load())
	metric(w, "archiveagent_extractions_total", "counter", "Archives extracted through the gateway.", s.metrics.Extractions.Load())
	metric(w, "archiveagent_events_forwarded_total", "counter", "Events written to stream clients.", s.metrics.EventsForwarded.Load())
	metric(w, "archiveagent_events_dropped_total", "counter", "Events dropped for slow stream clients.", s.metrics.EventsDropped.Load())

	fmt.Fprintf(w, "# HELP archiveagent_uptime_seconds Seconds since the gateway started.\n")
	fmt.Fprintf(w, "# TYPE archiveagent_uptime_seconds gauge\n")
	fmt.Fprintf(w, "archiveagent_uptime_seconds %.0f\n", time.Since(s.started).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metric(w, "go_goroutines", "gauge", "Number of goroutines.", int64(runtime.NumGoroutine()))
	metric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", int64(mem.Alloc))
	metric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", int64(mem.Sys))
}

func metric(w io.Writer, name, kind, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
