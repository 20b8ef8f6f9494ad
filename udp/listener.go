// Package udp ingests JSON log events from local processes, one event per
// datagram, and submits them through the notifier pipeline.
package udp

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	flatten "github.com/jeremywohl/flatten"
	"github.com/n0needt0/go-goodies/log"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/services"
)

// Listener receives JSON events over UDP and reports them.
type Listener struct {
	services  *services.Services
	config    *config.Config
	listeners []*portListener
	quit      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	bufferPool sync.Pool
}

// portListener is a single UDP port bound to a default level.
type portListener struct {
	port         int
	defaultLevel domain.Level
	addr         *net.UDPAddr
	conn         *net.UDPConn
}

// NewListener creates listeners for each configured port.
func NewListener(svcs *services.Services, cfg *config.Config) *Listener {
	var portListeners []*portListener
	for _, lc := range cfg.UDP.Listeners {
		level := domain.ParseLevel(lc.DefaultLevel)
		pl := &portListener{
			port:         lc.Port,
			defaultLevel: level,
			addr: &net.UDPAddr{
				IP:   net.ParseIP(cfg.UDP.Host),
				Port: lc.Port,
			},
		}
		log.Debugf("Created port listener - Port: %d, DefaultLevel: '%s'", pl.port, level)
		portListeners = append(portListeners, pl)
	}

	return &Listener{
		services:  svcs,
		config:    cfg,
		listeners: portListeners,
		quit:      make(chan struct{}),
		bufferPool: sync.Pool{
			New: func() interface{} {
				return make([]byte, cfg.UDP.ReadBufferSizeBytes)
			},
		},
	}
}

// Start binds every configured port and begins reading.
func (l *Listener) Start() error {
	if !l.config.UDP.Enabled {
		log.Info("UDP listener is disabled")
		return nil
	}
	if len(l.listeners) == 0 {
		log.Info("No UDP listeners configured")
		return nil
	}

	for _, pl := range l.listeners {
		var err error
		pl.conn, err = net.ListenUDP("udp", pl.addr)
		if err != nil {
			l.Stop()
			return fmt.Errorf("failed to listen on UDP %s: %w", pl.addr.String(), err)
		}
		if err := pl.conn.SetReadBuffer(l.config.UDP.ReadBufferSizeBytes); err != nil {
			pl.conn.Close()
			l.Stop()
			return fmt.Errorf("failed to set read buffer for %s: %w", pl.addr.String(), err)
		}

		log.Infof("UDP server listening on %s (default level: %s)", pl.addr.String(), pl.defaultLevel)

		l.wg.Add(1)
		go func(pl *portListener) {
			defer l.wg.Done()
			l.readLoop(pl)
		}(pl)
	}

	return nil
}

// Stop closes the listeners and waits for the read loops.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		for _, pl := range l.listeners {
			if pl.conn != nil {
				pl.conn.Close()
			}
		}
	})
	l.wg.Wait()
}

func (l *Listener) readLoop(pl *portListener) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from panic in UDP read loop: %v", r)
		}
	}()

	for {
		select {
		case <-l.quit:
			return
		default:
		}

		pl.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		buf := l.bufferPool.Get().([]byte)
		readLen, _, err := pl.conn.ReadFromUDP(buf)
		if err != nil {
			l.bufferPool.Put(buf)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-l.quit:
				return
			default:
				log.Errorf("UDP read error: %s", err.Error())
				continue
			}
		}

		payload := bytes.TrimSpace(buf[:readLen])
		l.handleDatagram(pl, payload)
		l.bufferPool.Put(buf)
	}
}

// handleDatagram parses one JSON event and submits it. The "message" and
// "level" keys drive the report; every other key is flattened into custom.
func (l *Listener) handleDatagram(pl *portListener, payload []byte) {
	stats := l.services.Stats

	event, custom, err := ParseEvent(payload)
	if err != nil {
		stats.EventErrors.Add(1)
		log.Errorf("UDP payload error: %v", err)
		return
	}

	stats.EventsReceived.Add(1)
	stats.Touch()

	level := pl.defaultLevel
	if event.Level != "" {
		level = domain.ParseLevel(event.Level)
	}

	l.services.Telemetry.CaptureLog(level, event.Message)
	l.services.Notifier.Log(level, event.Message, custom)
}

// IngestEvent is the parsed shape of one submitted event.
type IngestEvent struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// ParseEvent decodes a JSON event and flattens the remaining fields into a
// dot-keyed custom map.
func ParseEvent(payload []byte) (IngestEvent, map[string]interface{}, error) {
	var original map[string]interface{}
	if err := sonic.Unmarshal(payload, &original); err != nil {
		return IngestEvent{}, nil, err
	}

	var event IngestEvent
	if m, ok := original["message"].(string); ok {
		event.Message = m
	}
	if lv, ok := original["level"].(string); ok {
		event.Level = lv
	}
	delete(original, "message")
	delete(original, "level")

	if len(original) == 0 {
		return event, nil, nil
	}

	custom, err := flatten.Flatten(original, "", flatten.DotStyle)
	if err != nil {
		return IngestEvent{}, nil, err
	}
	return event, custom, nil
}
