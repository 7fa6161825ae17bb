package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/availbench/pkg/types"
)

const (
	// progressInterval is how often progress is pushed while a run is active.
	progressInterval = 200 * time.Millisecond

	// writeWait bounds a single write to a client.
	writeWait = 5 * time.Second

	// eventQueue is the number of published events buffered for broadcast.
	eventQueue = 64
)

// WebSocketServer streams run progress to connected clients: a progress
// event on every tick while the run is active, plus every event handed to
// Publish.
type WebSocketServer struct {
	api      BenchAPI
	origins  *originPolicy
	upgrader websocket.Upgrader
	logger   *slog.Logger

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	events   chan types.ProgressEvent
	done     chan struct{}
	stopOnce sync.Once
}

// newWebSocketServer creates a new WebSocket server. Upgrades are accepted
// from the serving host, from localhost and from origins the policy allows.
func newWebSocketServer(api BenchAPI, origins *originPolicy, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	if origins == nil {
		origins = newOriginPolicy("")
	}
	ws := &WebSocketServer{
		api:     api,
		origins: origins,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
		events:  make(chan types.ProgressEvent, eventQueue),
		done:    make(chan struct{}),
	}
	ws.upgrader = websocket.Upgrader{CheckOrigin: ws.checkOrigin}
	return ws
}

func (ws *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host || u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1" {
		return true
	}
	return ws.origins.allows(origin)
}

// Publish queues ev for every client. Events are dropped when the queue is
// full so that the caller never blocks.
func (ws *WebSocketServer) Publish(ev types.ProgressEvent) {
	select {
	case ws.events <- ev:
	default:
		ws.logger.Debug("dropping progress event", "type", ev.Type)
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
			return
		}

		n := ws.register(conn)
		ws.logger.Debug("websocket client connected", "clients", n)
		defer func() {
			n := ws.unregister(conn)
			ws.logger.Debug("websocket client disconnected", "clients", n)
		}()

		// Clients only listen; reading drives control frames and detects
		// the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}
}

func (ws *WebSocketServer) register(conn *websocket.Conn) int {
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	ws.clients[conn] = struct{}{}
	return len(ws.clients)
}

func (ws *WebSocketServer) unregister(conn *websocket.Conn) int {
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	delete(ws.clients, conn)
	conn.Close()
	return len(ws.clients)
}

// Start begins broadcasting.
func (ws *WebSocketServer) Start() {
	go ws.loop()
}

// Stop ends broadcasting and disconnects every client.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() { close(ws.done) })

	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	for conn := range ws.clients {
		conn.Close()
	}
	ws.clients = make(map[*websocket.Conn]struct{})
}

func (ws *WebSocketServer) loop() {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case ev := <-ws.events:
			ws.send(ev)
		case <-ticker.C:
			progress := ws.api.Progress()
			if progress.Status == types.StatusInitializing || progress.Status == types.StatusRunning {
				ws.send(types.ProgressEvent{
					Type:      types.EventProgress,
					Progress:  progress,
					Timestamp: time.Now().UnixMilli(),
				})
			}
		}
	}
}

// send writes ev to every client. Failed clients are left to their read
// loop to clean up.
func (ws *WebSocketServer) send(ev types.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		ws.logger.Error("failed to marshal progress event", "error", err)
		return
	}

	// Held exclusively: a gorilla connection supports one writer at a time.
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()

	deadline := time.Now().Add(writeWait)
	for conn := range ws.clients {
		conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			ws.logger.Debug("websocket write failed", "error", err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
