package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ProgressEvent is one message from the provider's progress stream.
type ProgressEvent struct {
	Type   string `json:"type"` // "progress", "node_started", "node_finished", "error"
	NodeID string `json:"nodeId,omitempty"`
	Value  int    `json:"value,omitempty"`
	Max    int    `json:"max,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProgressCallback receives decoded progress events.
type ProgressCallback interface {
	OnProgressEvent(ProgressEvent)
}

// ProgressListener maintains a websocket connection to the provider's
// progress stream, reconnecting with exponential backoff.
type ProgressListener struct {
	WebSocketURL   string
	Conn           *websocket.Conn
	ConnectionDone chan bool
	MaxRetry       int
	Callback       ProgressCallback

	// IsConnected and RetryCount are written from the connection-manager
	// goroutine and the read loop; mu guards both.
	IsConnected bool
	RetryCount  int

	mu sync.Mutex

	// Exponential backoff configuration
	BaseDelay time.Duration // initial delay, e.g. 1 second
	MaxDelay  time.Duration // cap, e.g. 1 minute
	Dialer    websocket.Dialer
}

// NewProgressListener creates a listener for the provider at the given
// base address (host:port).
func NewProgressListener(serverBaseAddress, clientID string, callback ProgressCallback) *ProgressListener {
	return &ProgressListener{
		WebSocketURL:   fmt.Sprintf("ws://%s/ws?clientId=%s", serverBaseAddress, clientID),
		ConnectionDone: make(chan bool, 1),
		MaxRetry:       5,
		Callback:       callback,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
	}
}

// ConnectWithManager connects to the progress stream and keeps reading
// until the connection closes.  timeoutSeconds bounds the wait for the
// initial connection (0 returns immediately, negative waits indefinitely).
func (w *ProgressListener) ConnectWithManager(timeoutSeconds int) error {
	connected := make(chan bool, 1)
	// Channel for connection attempts (ensures connect() is not called concurrently)
	attemptConnect := make(chan bool, 1)
	attemptConnect <- true

	go func() {
		retries := 0
		for {
			select {
			case <-attemptConnect:
				err := w.connect()
				if err != nil {
					slog.Error("Progress stream connection attempt failed", "error", err)
					w.setConnected(false)

					retries++
					if retries > w.MaxRetry {
						slog.Error("Maximum number of progress stream retries reached", "retries", w.MaxRetry)
						close(connected)
						return
					}

					time.AfterFunc(w.getReconnectDelay(), func() {
						attemptConnect <- true
					})
				} else {
					w.setConnected(true)
					close(connected)
					w.handleMessages()
					return
				}
			case <-w.ConnectionDone:
				return
			}
		}
	}()

	if timeoutSeconds > 0 {
		timeout := time.Duration(timeoutSeconds) * time.Second
		select {
		case <-connected:
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("progress stream connection timeout after %v", timeout)
		}
	} else if timeoutSeconds < 0 {
		<-connected
	}

	return nil
}

func (w *ProgressListener) connect() error {
	conn, _, err := w.Dialer.Dial(w.WebSocketURL, nil)
	if err != nil {
		return err
	}

	w.Conn = conn
	return nil
}

// Close shuts the connection down.
func (w *ProgressListener) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Conn != nil {
		w.Conn.Close()
	}
}

func (w *ProgressListener) setConnected(v bool) {
	w.mu.Lock()
	w.IsConnected = v
	w.mu.Unlock()
}

// Connected reports whether the stream is currently up.
func (w *ProgressListener) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.IsConnected
}

func (w *ProgressListener) handleMessages() {
	defer func() {
		w.Conn.Close()
		w.setConnected(false)
		w.ConnectionDone <- true
	}()
	for {
		_, message, err := w.Conn.ReadMessage()
		if err != nil {
			slog.Warn("Progress stream read error", "error", err)
			break
		}

		event := ProgressEvent{}
		if err := json.Unmarshal(message, &event); err != nil {
			slog.Warn("Undecodable progress event", "error", err)
			continue
		}
		if w.Callback != nil {
			w.Callback.OnProgressEvent(event)
		}
	}
}

// getReconnectDelay computes BaseDelay * 2^RetryCount, capped at MaxDelay.
func (w *ProgressListener) getReconnectDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.RetryCount)))
	if delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.RetryCount++
	return delay
}
