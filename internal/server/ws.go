package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/gateway"
)

// maxClientMessage bounds a single observer request.
const maxClientMessage = 4096

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Observer actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

type clientMessage struct {
	Action   string `json:"action"`
	StreamID string `json:"stream_id"`
}

// wsSender writes gateway messages to one WebSocket connection. Only the
// gateway's writer goroutine calls Send.
type wsSender struct {
	conn    *websocket.Conn
	timeout time.Duration
	once    sync.Once
}

func (s *wsSender) Send(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}

// ObserverHandler attaches WebSocket clients to the gateway. A client is
// subscribed to every stream unless it names one with ?stream_id=, and can
// change its interests with subscribe and unsubscribe messages.
type ObserverHandler struct {
	gateway *gateway.Gateway
	timeout time.Duration
}

// NewObserverHandler creates a new ObserverHandler for gw.
func NewObserverHandler(gw *gateway.Gateway, writeTimeout time.Duration) *ObserverHandler {
	return &ObserverHandler{gateway: gw, timeout: writeTimeout}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *ObserverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	sender := &wsSender{conn: conn, timeout: h.timeout}
	defer sender.Close()

	sub := h.gateway.Attach(sender)
	defer h.gateway.Detach(sub.ID())

	initial := r.URL.Query().Get("stream_id")
	if initial == "" {
		initial = gateway.AllStreams
	}
	h.gateway.Subscribe(sub.ID(), initial)

	log.Printf("WebSocket client %s connected from %s", sub.ID(), r.RemoteAddr)
	defer log.Printf("WebSocket client %s disconnected", sub.ID())

	conn.SetReadLimit(maxClientMessage)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := h.handleMessage(sub.ID(), data); err != nil {
			h.gateway.Notify(sub.ID(), gateway.ErrorMessage{Type: gateway.TypeError, Message: err.Error()})
		}
	}
}

func (h *ObserverHandler) handleMessage(id string, data []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid message: %v", err)
	}
	if msg.StreamID == "" {
		return fmt.Errorf("stream_id is required")
	}

	switch msg.Action {
	case ActionSubscribe:
		return h.gateway.Subscribe(id, msg.StreamID)
	case ActionUnsubscribe:
		return h.gateway.Unsubscribe(id, msg.StreamID)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}
