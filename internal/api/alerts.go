package api

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Alert severity levels
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert event types
const (
	AlertBrokerDisconnected = "broker_disconnected"
	AlertStoreUnavailable   = "store_unavailable"
	AlertEngineRestart      = "engine_restart"
	AlertCircuitOpen        = "provider_circuit_open"
)

// AlertPayload is the JSON structure sent to the webhook.
type AlertPayload struct {
	Service   string                 `json:"service"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AlertConfig holds alert configuration.
type AlertConfig struct {
	WebhookURL            string
	BrokerDisconnectDelay time.Duration // how long MQTT must be down before alerting
	StoreDisconnectDelay  time.Duration // how long the store must be down before alerting
}

var (
	alertConfig = &AlertConfig{
		BrokerDisconnectDelay: 30 * time.Second,
		StoreDisconnectDelay:  5 * time.Second,
	}
	alertMu sync.Mutex

	brokerDisconnectedSince time.Time
	brokerAlertSent         bool
	storeDisconnectedSince  time.Time
	storeAlertSent          bool
	alertStopCh             chan struct{}
)

// InitAlerts initializes the alert system from environment variables.
func InitAlerts() {
	alertMu.Lock()
	defer alertMu.Unlock()

	alertConfig.WebhookURL = os.Getenv("ENGINE_ALERT_WEBHOOK_URL")

	if delayStr := os.Getenv("ENGINE_BROKER_ALERT_DELAY"); delayStr != "" {
		if d, err := time.ParseDuration(delayStr); err == nil {
			alertConfig.BrokerDisconnectDelay = d
		}
	}
	if delayStr := os.Getenv("ENGINE_STORE_ALERT_DELAY"); delayStr != "" {
		if d, err := time.ParseDuration(delayStr); err == nil {
			alertConfig.StoreDisconnectDelay = d
		}
	}

	if alertConfig.WebhookURL != "" {
		log.Printf("alerts enabled: webhook configured (broker_delay=%s, store_delay=%s)",
			alertConfig.BrokerDisconnectDelay, alertConfig.StoreDisconnectDelay)
	}
}

// GetAlertWebhookURL returns the configured webhook URL (for testing).
func GetAlertWebhookURL() string {
	alertMu.Lock()
	defer alertMu.Unlock()
	return alertConfig.WebhookURL
}

// SendAlert sends an alert to the configured webhook (best-effort,
// non-blocking). Without a webhook it logs instead.
func SendAlert(event, severity, message string, details map[string]interface{}) {
	alertMu.Lock()
	webhookURL := alertConfig.WebhookURL
	alertMu.Unlock()

	if webhookURL == "" {
		log.Printf("[ALERT] %s severity=%s msg=%q details=%v", event, severity, message, details)
		return
	}

	payload := AlertPayload{
		Service:   "scenario-engine",
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Severity:  severity,
		Message:   message,
		Details:   details,
	}
	go sendWebhook(webhookURL, payload)
}

func sendWebhook(url string, payload AlertPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("alert marshal failed: %v", err)
		return
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("alert webhook failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("alert webhook returned %d", resp.StatusCode)
	}
}

// CheckAndAlertBroker tracks MQTT session state and alerts after the
// configured delay, once per outage.
func CheckAndAlertBroker(connected bool) {
	alertMu.Lock()
	defer alertMu.Unlock()

	if connected {
		if brokerAlertSent {
			go SendAlert(AlertBrokerDisconnected, SeverityInfo, "broker connection restored", nil)
		}
		brokerDisconnectedSince = time.Time{}
		brokerAlertSent = false
		return
	}

	if brokerDisconnectedSince.IsZero() {
		brokerDisconnectedSince = time.Now()
		return
	}
	if !brokerAlertSent && time.Since(brokerDisconnectedSince) >= alertConfig.BrokerDisconnectDelay {
		brokerAlertSent = true
		go SendAlert(AlertBrokerDisconnected, SeverityCritical, "event stream broker unreachable",
			map[string]interface{}{
				"down_for": time.Since(brokerDisconnectedSince).Round(time.Second).String(),
			})
	}
}

// CheckAndAlertStore tracks instance-store availability, alerting once
// per outage after the configured delay.
func CheckAndAlertStore(connected bool) {
	alertMu.Lock()
	defer alertMu.Unlock()

	if connected {
		if storeAlertSent {
			go SendAlert(AlertStoreUnavailable, SeverityInfo, "instance store restored", nil)
		}
		storeDisconnectedSince = time.Time{}
		storeAlertSent = false
		return
	}

	if storeDisconnectedSince.IsZero() {
		storeDisconnectedSince = time.Now()
		return
	}
	if !storeAlertSent && time.Since(storeDisconnectedSince) >= alertConfig.StoreDisconnectDelay {
		storeAlertSent = true
		go SendAlert(AlertStoreUnavailable, SeverityCritical, "instance store unreachable",
			map[string]interface{}{
				"down_for": time.Since(storeDisconnectedSince).Round(time.Second).String(),
			})
	}
}

// StartAlertMonitor polls the probes and feeds the alert trackers and
// readiness state. Call StopAlertMonitor on shutdown.
func StartAlertMonitor(interval time.Duration, brokerUp, storeUp func() bool) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	alertMu.Lock()
	alertStopCh = make(chan struct{})
	stop := alertStopCh
	alertMu.Unlock()

	probe := func() {
		broker := brokerUp == nil || brokerUp()
		storeOK := storeUp == nil || storeUp()
		SetBrokerConnected(broker)
		SetStoreConnected(storeOK)
		CheckAndAlertBroker(broker)
		CheckAndAlertStore(storeOK)
	}

	// Seed readiness before the first tick, so a healthy engine does
	// not serve 503 from /ready for a whole interval after startup.
	probe()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// StopAlertMonitor halts the monitor loop.
func StopAlertMonitor() {
	alertMu.Lock()
	defer alertMu.Unlock()
	if alertStopCh != nil {
		close(alertStopCh)
		alertStopCh = nil
	}
}
