package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vtranscriptor/vtsync/internal/remote"
)

// BlobReader serves blob contents for signed URLs.
type BlobReader interface {
	ReadBlob(ctx context.Context, bucket, path string) ([]byte, string, error)
}

// Hub manages websocket subscribers and fans out events by topic.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// Subscriber management: connection -> topic
	clients   map[*websocket.Conn]string
	clientsMu sync.RWMutex

	// Event broadcasting
	broadcast chan Event

	signer  *remote.Signer
	blobs   BlobReader
	origins []string

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// HubConfig holds hub configuration.
type HubConfig struct {
	// Addr to listen on (default: ":8787", use ":0" for a random port)
	Addr string

	// Signer verifies /blobs/ URLs. Without it (or Blobs) /blobs/ is 404.
	Signer *remote.Signer

	// Blobs serves blob contents
	Blobs BlobReader

	// OriginPatterns lists the browser origins (host patterns such as
	// "app.example.com" or "*.example.com") allowed to open websockets.
	// Empty allows same-origin browsers and non-browser clients only.
	OriginPatterns []string

	// Logger for hub activity (default: stderr with [hub] prefix)
	Logger *log.Logger
}

// NewHub creates a hub. Call Start to listen.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Addr == "" {
		cfg.Addr = ":8787"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		addr:      cfg.Addr,
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan Event, 100),
		signer:    cfg.Signer,
		blobs:     cfg.Blobs,
		origins:   cfg.OriginPatterns,
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime", h.handleRealtime)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("GET /blobs/{bucket}/{path...}", h.handleBlob)
	return mux
}

// Start begins serving and broadcasting.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go h.broadcastLoop()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Realtime hub listening on %s", ln.Addr())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every subscriber and shuts the server down.
func (h *Hub) Stop() error {
	h.logger.Println("Stopping realtime hub")

	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	h.wg.Wait()
	h.logger.Println("Realtime hub stopped")
	return nil
}

// Publish queues an event for subscribers of ev.Topic.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case ev := <-h.broadcast:
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			h.clientsMu.RLock()
			targets := make([]*websocket.Conn, 0, len(h.clients))
			for conn, topic := range h.clients {
				if topic == ev.Topic {
					targets = append(targets, conn)
				}
			}
			h.clientsMu.RUnlock()

			for _, conn := range targets {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to send to subscriber: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// handleRealtime upgrades a subscriber for the topic query parameter.
func (h *Hub) handleRealtime(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The ack is written under the clients lock: it is always the first
	// frame, and no event published after the subscriber sees it is missed.
	ack, _ := json.Marshal(Event{Type: EventSubscribed, Topic: topic, Timestamp: time.Now()})
	h.clientsMu.Lock()
	if h.ctx.Err() != nil {
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, ack)
	cancel()
	if err != nil {
		h.clientsMu.Unlock()
		h.logger.Printf("Failed to acknowledge subscriber: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	h.clients[conn] = topic
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Subscriber joined %s (total: %d)", topic, count)

	go h.readLoop(conn)
}

// readLoop detects subscriber disconnects. Client messages are ignored.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	topic, exists := h.clients[conn]
	if !exists {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Subscriber left %s (total: %d)", topic, count)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"subscribers": h.ClientCount(),
	})
}

// handleBlob serves a blob behind a signed URL.
func (h *Hub) handleBlob(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil || h.blobs == nil {
		http.NotFound(w, r)
		return
	}
	bucket, path := r.PathValue("bucket"), r.PathValue("path")

	if err := h.signer.Verify(bucket, path, r.URL.Query()); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	data, contentType, err := h.blobs.ReadBlob(r.Context(), bucket, path)
	if errors.Is(err, remote.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Printf("Failed to read blob %s/%s: %v", bucket, path, err)
		http.Error(w, "blob unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// GetAddr returns the listening address.
func (h *Hub) GetAddr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
