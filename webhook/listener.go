// Package webhook ingests JSON log events over HTTP POST and submits them
// through the notifier pipeline.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/n0needt0/go-goodies/log"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/services"
	"github.com/n0needt0/goodies/rollbar-agent/udp"
)

// Listener accepts POSTed events on /api/v1/event/{token}.
type Listener struct {
	services   *services.Services
	config     *config.Config
	wg         sync.WaitGroup
	httpServer *http.Server
}

// NewListener creates a webhook listener.
func NewListener(svcs *services.Services, cfg *config.Config) *Listener {
	return &Listener{
		services: svcs,
		config:   cfg,
	}
}

// Start binds the webhook port. The access token in the path must match the
// configured one; this keeps arbitrary local processes from reporting into
// the wrong project.
func (l *Listener) Start() error {
	if !l.config.Webhook.Enabled {
		log.Info("Webhook listener is disabled")
		return nil
	}

	r := mux.NewRouter()

	r.HandleFunc("/api/v1/event/{token}", func(w http.ResponseWriter, req *http.Request) {
		l.handleEvent(w, req)
	}).Methods("POST")

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	l.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", l.config.Webhook.Port),
		Handler: r,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		log.Infof("Starting webhook server on :%d", l.config.Webhook.Port)
		if err := l.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Error starting webhook server: %v", err)
		}
	}()

	return nil
}

// Stop shuts the webhook server down.
func (l *Listener) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.httpServer != nil {
		if err := l.httpServer.Shutdown(ctx); err != nil {
			log.Errorf("Webhook server shutdown error: %v", err)
		} else {
			log.Info("Webhook server shutdown complete")
		}
	}
	l.wg.Wait()
}

func (l *Listener) handleEvent(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	token := vars["token"]

	if token != l.config.Rollbar.AccessToken {
		log.Errorf("Invalid token on webhook submission")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Unauthorized"))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Invalid body"))
		return
	}
	defer req.Body.Close()

	event, custom, err := udp.ParseEvent(payload)
	if err != nil {
		l.services.Stats.EventErrors.Add(1)
		log.Errorf("Webhook payload error: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	l.services.Stats.EventsReceived.Add(1)
	l.services.Stats.Touch()

	level := domain.ParseLevel(event.Level)

	reqInfo := &domain.RequestInfo{
		URL:    req.URL.String(),
		Method: req.Method,
		UserIP: req.RemoteAddr,
	}

	l.services.Telemetry.CaptureLog(level, event.Message)
	l.services.Notifier.LogRequest(level, event.Message, reqInfo, custom)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Accepted"))
}
