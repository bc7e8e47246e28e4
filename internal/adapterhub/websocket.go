package adapterhub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WebsocketAdapter bridges a websocket channel into Relay: each connected
// client is registered under a sender id taken from a query parameter, and
// outbound envelopes matching that client's subject are written to its
// socket. Grounded on webitel-im-delivery-service's
// internal/handler/ws/delivery.go upgrade + read/write pump-loop pattern.
type WebsocketAdapter struct {
	statusBase

	id       string
	prefix   string
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	publish PublishFunc
	conns   map[string]*wsConn
}

type wsConn struct {
	conn  *websocket.Conn
	send  chan []byte
	close chan struct{}
}

// NewWebsocketAdapter builds a WebsocketAdapter from its Config. Optional
// setting: subjectPrefix (defaults to "relay.human.websocket").
func NewWebsocketAdapter(cfg Config, log *logging.Logger) (Adapter, error) {
	prefix, _ := cfg.Settings["subjectPrefix"].(string)
	if prefix == "" {
		prefix = "relay.human.websocket"
	}
	return &WebsocketAdapter{
		id:     cfg.ID,
		prefix: prefix,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:   log,
		conns: make(map[string]*wsConn),
	}, nil
}

func (a *WebsocketAdapter) ID() string                { return a.id }
func (a *WebsocketAdapter) DisplayName() string       { return "Websocket: " + a.id }
func (a *WebsocketAdapter) SubjectPrefixes() []string { return []string{a.prefix} }

// Start records the publish function. Idempotent; the real connection
// lifecycle happens per-client in UpgradeHandler.
func (a *WebsocketAdapter) Start(publish PublishFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publish = publish
	a.setState(StateConnected)
	return nil
}

// Stop closes every connected client socket. Idempotent.
func (a *WebsocketAdapter) Stop() error {
	a.setState(StateStopping)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range a.conns {
		close(c.close)
		delete(a.conns, id)
	}
	a.setState(StateDisconnected)
	return nil
}

// UpgradeHandler returns an http.HandlerFunc the caller mounts to accept
// inbound websocket connections. clientID identifies the caller's sender
// (e.g. from a query parameter or path segment extracted by the mounting
// router before calling this handler).
func (a *WebsocketAdapter) UpgradeHandler(clientID func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := clientID(r)
		if strings.TrimSpace(id) == "" {
			http.Error(w, "client id is required", http.StatusBadRequest)
			return
		}

		conn, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.setError(err.Error())
			return
		}

		c := &wsConn{conn: conn, send: make(chan []byte, 32), close: make(chan struct{})}
		a.mu.Lock()
		if existing, ok := a.conns[id]; ok {
			close(existing.close)
		}
		a.conns[id] = c
		a.mu.Unlock()

		go a.writePump(id, c)
		a.readPump(id, c)
	}
}

func (a *WebsocketAdapter) readPump(id string, c *wsConn) {
	defer func() {
		a.mu.Lock()
		if a.conns[id] == c {
			delete(a.conns, id)
		}
		a.mu.Unlock()
		close(c.close)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		a.bumpInbound()

		a.mu.Lock()
		publish := a.publish
		a.mu.Unlock()
		if publish == nil {
			continue
		}

		subject := a.prefix + "." + id
		var body struct {
			Content interface{} `json:"content"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			body.Content = string(data)
		}
		if _, err := publish(subject, map[string]interface{}{"content": body.Content}, subject, subject); err != nil {
			a.setError(err.Error())
		}
	}
}

func (a *WebsocketAdapter) writePump(id string, c *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.close:
			return
		}
	}
}

// Deliver writes env's payload to the connected client whose id matches
// subject's last token. When no client with that id is connected it
// returns an unsuccessful DeliveryResult with a nil error.
func (a *WebsocketAdapter) Deliver(subject string, env *envelope.Envelope) (DeliveryResult, error) {
	if env.From == a.prefix || strings.HasPrefix(env.From, a.prefix+".") {
		return DeliveryResult{Success: true}, nil // echo guard
	}

	clientID := subject[strings.LastIndex(subject, ".")+1:]

	a.mu.Lock()
	c, ok := a.conns[clientID]
	a.mu.Unlock()
	if !ok {
		return DeliveryResult{Success: false, Error: "no connected client for " + clientID}, nil
	}

	data, err := json.Marshal(map[string]interface{}{
		"subject": subject,
		"payload": json.RawMessage(env.Payload),
	})
	if err != nil {
		return DeliveryResult{Success: false, Error: err.Error()}, err
	}

	select {
	case c.send <- data:
		a.bumpOutbound()
		return DeliveryResult{Success: true}, nil
	case <-time.After(wsWriteWait):
		errMsg := fmt.Sprintf("timed out writing to client %s", clientID)
		a.setError(errMsg)
		return DeliveryResult{Success: false, Error: errMsg}, nil
	}
}

func (a *WebsocketAdapter) GetStatus() Status { return a.snapshot() }

// TestConnection reports whether any client is currently connected.
func (a *WebsocketAdapter) TestConnection() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns) > 0, nil
}
