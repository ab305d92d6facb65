package api

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/version"
)

// readiness tracks the dependencies the engine needs before it should
// receive traffic.
var readiness = struct {
	mu              sync.RWMutex
	startTime       time.Time
	engineReady     bool
	brokerConnected bool
	storeConnected  bool
}{}

// InitMetrics initializes the metrics system. Must be called at startup.
func InitMetrics() {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.startTime = time.Now()
}

// SetEngineReady marks the engine as recovered and routing events.
func SetEngineReady(ready bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.engineReady = ready
}

// SetBrokerConnected records MQTT session state.
func SetBrokerConnected(connected bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.brokerConnected = connected
}

// SetStoreConnected records store availability.
func SetStoreConnected(connected bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.storeConnected = connected
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness.mu.RLock()
	ready := readiness.engineReady && readiness.storeConnected
	broker := readiness.brokerConnected
	storeUp := readiness.storeConnected
	readiness.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":  ready,
		"store":  storeUp,
		"broker": broker,
	})
}

// metricsHandler returns Prometheus-compatible metrics in text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	readiness.mu.RLock()
	startTime := readiness.startTime
	engineReady := readiness.engineReady
	brokerConnected := readiness.brokerConnected
	storeConnected := readiness.storeConnected
	readiness.mu.RUnlock()

	uptime := time.Since(startTime).Seconds()
	eventsTotal := events.TotalCount()
	wsClients := events.SubscriberCount()
	activeScenarios := len(s.deps.Registry.Active())

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeMetric := func(name, mtype, help string, value interface{}, labels string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		if labels != "" {
			fmt.Fprintf(w, "%s{%s} %v\n", name, labels, value)
		} else {
			fmt.Fprintf(w, "%s %v\n", name, value)
		}
	}

	labels := fmt.Sprintf(`instance="%s",version="%s"`, hostname, version.Version)

	writeMetric("engine_uptime_seconds", "gauge",
		"Number of seconds since the engine started", uptime, labels)
	writeMetric("engine_ready", "gauge",
		"Whether the engine is recovered and routing (1) or not (0)", boolVal(engineReady), labels)
	writeMetric("engine_events_total", "counter",
		"Total number of engine events emitted since startup", eventsTotal, labels)
	writeMetric("engine_scenarios_active", "gauge",
		"Number of scenarios currently active", activeScenarios, labels)
	writeMetric("engine_broker_connected", "gauge",
		"Whether the MQTT broker is connected (1) or not (0)", boolVal(brokerConnected), labels)
	writeMetric("engine_store_connected", "gauge",
		"Whether the instance store is reachable (1) or not (0)", boolVal(storeConnected), labels)
	writeMetric("engine_ws_clients", "gauge",
		"Number of active WebSocket client connections", wsClients, labels)
}

func boolVal(b bool) int {
	if b {
		return 1
	}
	return 0
}
