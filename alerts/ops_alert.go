// Package alerts escalates sustained delivery failures to an operations
// endpoint, separate from the reporting pipeline itself.
package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/n0needt0/go-goodies/log"

	"github.com/n0needt0/goodies/rollbar-agent/events"
)

type OpsAlertClient struct {
	config AlertClientConfig

	mu               sync.Mutex
	consecutiveFails int
	alerted          bool
}

type AlertClientConfig struct {
	Ops OpsConfig
	App AppConfig
	Dev bool
}

type OpsConfig struct {
	Enabled          bool
	Endpoint         string
	Timeout          int
	FailureThreshold int
}

type AppConfig struct {
	Name    string
	Version string
}

type AlertPayload struct {
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
	Timestamp string                 `json:"timestamp"`
}

func NewOpsAlertClient(config AlertClientConfig) *OpsAlertClient {
	if config.Ops.FailureThreshold <= 0 {
		config.Ops.FailureThreshold = 5
	}
	return &OpsAlertClient{
		config: config,
	}
}

// Watch subscribes the alerter to pipeline events. Consecutive delivery
// failures past the threshold raise one warning alert; the next successful
// delivery re-arms it. Event handlers run on the controller's tick
// goroutine, so the HTTP post happens off-thread.
func (client *OpsAlertClient) Watch(bus *events.Bus) int {
	return bus.Subscribe(func(e events.Event) {
		switch ev := e.(type) {
		case events.Communication:
			client.noteSuccess()
		case events.CommunicationError:
			client.noteFailure(string(ev.Kind), ev.Err)
		case events.InternalError:
			if ev.Kind == events.ErrKindMaxItemsReached {
				detail := ev.Detail
				go client.SendWarningAlert(
					"Item Cap Reached",
					"Rollbar Agent hit its per-process item cap - further reports are dropped",
					detail,
				)
			}
		}
	})
}

func (client *OpsAlertClient) noteSuccess() {
	client.mu.Lock()
	client.consecutiveFails = 0
	client.alerted = false
	client.mu.Unlock()
}

func (client *OpsAlertClient) noteFailure(kind string, err error) {
	client.mu.Lock()
	client.consecutiveFails++
	fire := client.consecutiveFails >= client.config.Ops.FailureThreshold && !client.alerted
	if fire {
		client.alerted = true
	}
	fails := client.consecutiveFails
	client.mu.Unlock()

	if fire {
		go client.SendWarningAlert(
			"Delivery Failure",
			"Rollbar Agent cannot reach the ingestion endpoint",
			fmt.Sprintf("Kind: %s, consecutive failures: %d, error: %v", kind, fails, err),
		)
	}
}

func (client *OpsAlertClient) SendCriticalAlert(title, message, details string) error {
	return client.sendAlert("critical", title, message, details)
}

func (client *OpsAlertClient) SendWarningAlert(title, message, details string) error {
	return client.sendAlert("warning", title, message, details)
}

func (client *OpsAlertClient) SendInfoAlert(title, message, details string) error {
	return client.sendAlert("info", title, message, details)
}

func (client *OpsAlertClient) sendAlert(severity, title, message, details string) error {
	if !client.config.Ops.Enabled {
		if client.config.Dev {
			log.Infof("Ops Alert [%s]: %s - %s (%s)", severity, title, message, details)
		}
		return nil
	}

	if client.config.Ops.Endpoint == "" {
		return fmt.Errorf("ops alert endpoint not configured")
	}

	payload := AlertPayload{
		Service:  client.config.App.Name,
		Version:  client.config.App.Version,
		Severity: severity,
		Title:    title,
		Message:  message,
		Details: map[string]interface{}{
			"details": details,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	timeout := time.Duration(client.config.Ops.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	resp, err := httpClient.Post(client.config.Ops.Endpoint, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		log.Warnf("Failed to send ops alert: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warnf("Ops alert endpoint returned status %d", resp.StatusCode)
		return fmt.Errorf("ops alert endpoint returned status %d", resp.StatusCode)
	}

	log.Debugf("Sent ops alert: %s", title)
	return nil
}
