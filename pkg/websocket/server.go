// Package websocket streams committed venue events to subscribed clients.
//
// Clients subscribe to channels. A channel is an exact event topic such as
// "vault.increase_position", a component prefix such as "vault", or "*" for
// every event.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
)

const AllEvents = "*"

// SnapshotFunc returns the current state behind channel, sent to a client
// right after it subscribes. ok is false when the channel has no snapshot.
type SnapshotFunc func(channel string) (data any, ok bool)

// Server is a chain.Sink fanning events out to WebSocket clients.
type Server struct {
	logger   log.Logger
	config   Config
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	clientCount int32
	nextID      uint64

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	hubOnce sync.Once
	server  *http.Server
}

// Client is one WebSocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.RWMutex
}

// Message is the envelope of everything sent to clients.
type Message struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Data      any    `json:"data,omitempty"`
	Block     uint64 `json:"block,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence,omitempty"`
}

// SubscribeRequest is sent by clients to change their channels.
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

func NewServer(logger log.Logger, config Config, snapshot SnapshotFunc) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		logger:   logger,
		config:   config,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Handler starts the hub and returns the /ws and /health routes.
func (s *Server) Handler() http.Handler {
	s.hubOnce.Do(func() {
		s.wg.Add(1)
		go s.runHub()
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves on addr until Stop.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("WebSocket server starting", "addr", addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server error: %w", err)
	}
	return nil
}

// Stop closes every client and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Deliver queues committed events for broadcast. Events are dropped when the
// hub falls behind.
func (s *Server) Deliver(events []chain.Event) {
	for _, ev := range events {
		msg := Message{
			Type:      "event",
			Topic:     ev.Topic,
			Data:      ev.Data,
			Block:     ev.Block.Number,
			Timestamp: int64(ev.Block.Time),
			Sequence:  ev.Seq,
		}
		select {
		case s.broadcast <- msg:
		case <-s.ctx.Done():
			return
		default:
			atomic.AddUint64(&s.dropped, 1)
			s.logger.Warn("WebSocket broadcast queue full", "topic", ev.Topic, "seq", ev.Seq)
		}
	}
}

func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				client.close()
			}
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.drop(client)

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// drop forgets client and closes its send queue.
func (s *Server) drop(client *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	client.close()
	atomic.AddInt32(&s.clientCount, -1)
	s.unsubscribeAll(client)
	s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       fmt.Sprintf("client-%d", atomic.AddUint64(&s.nextID, 1)),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBuffer),
		channels: make(map[string]bool),
	}

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]any{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
	s.register <- client

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.GetStats())
}

func (c *Client) readPump() {
	cfg := c.server.config
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var req SubscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "error", err)
			}
			return
		}
		c.handleMessage(req)
	}
}

func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(req SubscribeRequest) {
	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func (c *Client) handleSubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("No channels given")
		return
	}
	for _, channel := range channels {
		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()
		c.server.subscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]any{"channels": channels},
		Timestamp: time.Now().Unix(),
	})

	if c.server.snapshot == nil {
		return
	}
	for _, channel := range channels {
		if data, ok := c.server.snapshot(channel); ok {
			c.sendMessage(Message{
				Type:      "snapshot",
				Channel:   channel,
				Data:      data,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

func (c *Client) handleUnsubscribe(channels []string) {
	for _, channel := range channels {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()
		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]any{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

// sendMessage queues msg for the client. A full queue disconnects it.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}

	if !c.enqueue(data) {
		c.server.logger.Warn("WebSocket client too slow, disconnecting", "id", c.id)
		select {
		case c.server.unregister <- c:
		default:
		}
	}
}

// enqueue reports false when the queue is full or already closed.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]any{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll is called with clientsMu held.
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// channelsFor lists the channels an event topic is published on.
func channelsFor(topic string) []string {
	out := []string{topic, AllEvents}
	if i := strings.IndexByte(topic, '.'); i > 0 {
		out = append(out, topic[:i])
	}
	return out
}

// broadcastMessage runs on the hub. A client subscribed to several matching
// channels gets the event once, tagged with the first channel that matched.
func (s *Server) broadcastMessage(msg Message) {
	targets := make(map[*Client]string)
	s.subMu.RLock()
	for _, channel := range channelsFor(msg.Topic) {
		for client := range s.subscriptions[channel] {
			if _, ok := targets[client]; !ok {
				targets[client] = channel
			}
		}
	}
	s.subMu.RUnlock()

	for client, channel := range targets {
		msg.Channel = channel
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("Failed to marshal broadcast message", "topic", msg.Topic, "error", err)
			return
		}
		if !client.enqueue(data) {
			s.drop(client)
		}
	}
}

// GetStats returns server statistics.
func (s *Server) GetStats() map[string]any {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]any{
		"status":        "healthy",
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}
