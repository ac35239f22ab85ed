package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/retry"
)

// Callback interface for handling incoming WebSocket messages
type WebSocketCallback interface {
	OnMessage(message []byte)
	OnDisconnect(err error)
}

// WebSocketConnection is one websocket session with the ComfyUI server. A
// session is not reused after it drops; dial a new one.
type WebSocketConnection struct {
	WebSocketURL string
	Header       http.Header
	Callback     WebSocketCallback
	Dialer       websocket.Dialer

	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func NewWebSocketConnection(wsURL string, header http.Header, cb WebSocketCallback, log zerolog.Logger) *WebSocketConnection {
	return &WebSocketConnection{
		WebSocketURL: wsURL,
		Header:       header,
		Callback:     cb,
		Dialer:       *websocket.DefaultDialer,
		done:         make(chan struct{}),
		log:          log,
	}
}

// Connect dials the server, retrying with exponential backoff per policy, and
// starts the read loop once connected.
func (w *WebSocketConnection) Connect(ctx context.Context, policy retry.Policy) error {
	err := retry.Do(ctx, policy, job.Retryable, func(ctx context.Context) error {
		conn, resp, err := w.Dialer.DialContext(ctx, w.WebSocketURL, w.Header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("%w: websocket handshake: %s", job.ErrBackendRejected, resp.Status)
			}
			w.log.Warn().Err(err).Str("url", w.WebSocketURL).Msg("websocket connection attempt failed")
			return fmt.Errorf("%w: %v", job.ErrConnectivity, err)
		}
		w.conn = conn
		return nil
	})
	if err != nil {
		return err
	}
	go w.handleMessages()
	return nil
}

// Done is closed when the session ends.
func (w *WebSocketConnection) Done() <-chan struct{} {
	return w.done
}

func (w *WebSocketConnection) Ping() error {
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close ends the session; the read loop exits and OnDisconnect fires.
func (w *WebSocketConnection) Close() error {
	if w.conn == nil {
		w.closeOnce.Do(func() { close(w.done) })
		return nil
	}
	return w.conn.Close()
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	var readErr error
	defer func() {
		w.conn.Close()
		w.closeOnce.Do(func() { close(w.done) })
		if w.Callback != nil {
			w.Callback.OnDisconnect(readErr)
		}
	}()
	for {
		messageType, message, err := w.conn.ReadMessage()
		if err != nil {
			readErr = err
			w.log.Warn().Err(err).Msg("websocket read error")
			return
		}
		// binary frames carry latent previews, which are not tracked
		if messageType != websocket.TextMessage {
			continue
		}
		if w.Callback != nil {
			w.Callback.OnMessage(message)
		}
	}
}
