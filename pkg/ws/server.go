// Package ws streams simulation events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/Rugved7/StockSimX/pkg/market"
	"github.com/Rugved7/StockSimX/pkg/marketdata"
)

// Channel naming: "trades:<symbol>", "book:<symbol>", "events".
const eventsChannel = "events"

// Server fans simulation events out to WebSocket clients.
type Server struct {
	exchange *market.Exchange
	logger   log.Logger

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	subscriptions map[string]map[*Client]bool
	subMu         sync.RWMutex

	messagesOut uint64
	clientCount int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one WebSocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
}

// Message is the envelope for every frame sent to clients.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// BookUpdate carries an order book snapshot for one symbol.
type BookUpdate struct {
	Type      string                 `json:"type"`
	Symbol    string                 `json:"symbol"`
	Bids      []market.LevelSnapshot `json:"bids"`
	Asks      []market.LevelSnapshot `json:"asks"`
	Timestamp int64                  `json:"timestamp"`
}

// TradeUpdate carries one executed trade.
type TradeUpdate struct {
	TradeID   uint64  `json:"tradeId"`
	Symbol    string  `json:"symbol"`
	Buyer     string  `json:"buyer"`
	Seller    string  `json:"seller"`
	Price     float64 `json:"price"`
	Quantity  int64   `json:"quantity"`
	Timestamp int64   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer creates a WebSocket server over the given exchange.
func NewServer(exchange *market.Exchange, logger log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		exchange:      exchange,
		logger:        logger,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// AttachFeed pipes a market data subscription into the broadcaster.
func (s *Server) AttachFeed(feed *marketdata.Feed) {
	events := feed.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev := <-events:
				s.routeEvent(ev)
			}
		}
	}()
}

func (s *Server) routeEvent(ev marketdata.Event) {
	switch ev.Type {
	case marketdata.EventTradeExecuted:
		if ev.Trade != nil {
			s.BroadcastTrade(*ev.Trade)
			s.BroadcastBook(ev.Trade.Symbol)
		}
	case marketdata.EventOrderSubmitted:
		if ev.Order != nil {
			s.BroadcastBook(ev.Order.Symbol)
		}
	default:
		s.enqueue(Message{
			Type:      string(ev.Type),
			Channel:   eventsChannel,
			Data:      ev,
			Timestamp: time.Now().Unix(),
		})
	}
}

// Start serves /ws and /health on the given port. Blocks until Stop.
func (s *Server) Start(port int) error {
	s.wg.Add(1)
	go s.runHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	s.logger.Info("websocket server starting", "port", port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Stop shuts down the hub and closes all client connections.
func (s *Server) Stop() {
	s.logger.Info("stopping websocket server")
	s.cancel()
	s.wg.Wait()
}

func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				close(client.send)
			}
			s.clients = make(map[*Client]bool)
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("client connected", "id", client.id,
				"total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				atomic.AddInt32(&s.clientCount, -1)
				s.unsubscribeAll(client)
			}
			s.clientsMu.Unlock()
			s.logger.Debug("client disconnected", "id", client.id,
				"total", atomic.LoadInt32(&s.clientCount))

		case message := <-s.broadcast:
			s.broadcastMessage(message)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       fmt.Sprintf("client-%d-%d", time.Now().Unix(), time.Now().Nanosecond()),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
	}

	s.register <- client

	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id, "symbols": s.exchange.Symbols()},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&s.clientCount),
		"messages": atomic.LoadUint64(&s.messagesOut),
	})
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("websocket read error", "error", err)
			}
			break
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)
			atomic.AddUint64(&c.server.messagesOut, 1)

			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.WriteMessage(websocket.TextMessage, <-c.send)
				atomic.AddUint64(&c.server.messagesOut, 1)
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw json.RawMessage) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	msgType, ok := msg["type"].(string)
	if !ok {
		c.sendError("missing message type")
		return
	}

	switch msgType {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	default:
		c.sendError(fmt.Sprintf("unknown message type: %s", msgType))
	}
}

func (c *Client) handleSubscribe(msg map[string]interface{}) {
	channels, ok := msg["channels"].([]interface{})
	if !ok {
		c.sendError("invalid channels format")
		return
	}

	for _, ch := range channels {
		channel, ok := ch.(string)
		if !ok {
			continue
		}

		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()

		c.server.subscribe(channel, c)

		// Book subscribers get the current state up front.
		if symbol, ok := strings.CutPrefix(channel, "book:"); ok {
			c.sendBookSnapshot(symbol)
		}
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

func (c *Client) handleUnsubscribe(msg map[string]interface{}) {
	channels, ok := msg["channels"].([]interface{})
	if !ok {
		c.sendError("invalid channels format")
		return
	}

	for _, ch := range channels {
		channel, ok := ch.(string)
		if !ok {
			continue
		}

		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()

		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

func (c *Client) sendBookSnapshot(symbol string) {
	book, ok := c.server.exchange.Book(symbol)
	if !ok {
		c.sendError(fmt.Sprintf("unknown symbol: %s", symbol))
		return
	}

	snap := book.Snapshot()
	c.sendMessage(Message{
		Type:    "book",
		Channel: "book:" + symbol,
		Data: BookUpdate{
			Type:      "snapshot",
			Symbol:    symbol,
			Bids:      snap.Bids,
			Asks:      snap.Asks,
			Timestamp: time.Now().Unix(),
		},
		Timestamp: time.Now().Unix(),
	})
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("failed to marshal message", "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		// Slow client, drop the frame.
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
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

func (s *Server) enqueue(msg Message) {
	select {
	case s.broadcast <- msg:
	default:
		// Broadcast backlog full, drop.
	}
}

func (s *Server) broadcastMessage(msg Message) {
	s.subMu.RLock()
	subs := s.subscriptions[msg.Channel]
	clients := make([]*Client, 0, len(subs))
	for client := range subs {
		clients = append(clients, client)
	}
	s.subMu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
			atomic.AddUint64(&s.messagesOut, 1)
		default:
			// Slow client, drop the frame.
		}
	}
}

// BroadcastTrade publishes one trade on its trades channel.
func (s *Server) BroadcastTrade(trade market.Trade) {
	s.enqueue(Message{
		Type:    "trade",
		Channel: "trades:" + trade.Symbol,
		Data: TradeUpdate{
			TradeID:   trade.ID,
			Symbol:    trade.Symbol,
			Buyer:     trade.Buyer,
			Seller:    trade.Seller,
			Price:     trade.Price.InexactFloat64(),
			Quantity:  trade.Quantity,
			Timestamp: trade.Executed.Unix(),
		},
		Timestamp: time.Now().Unix(),
	})
}

// BroadcastBook publishes a fresh snapshot on a symbol's book channel.
func (s *Server) BroadcastBook(symbol string) {
	book, ok := s.exchange.Book(symbol)
	if !ok {
		return
	}

	snap := book.Snapshot()
	s.enqueue(Message{
		Type:    "book",
		Channel: "book:" + symbol,
		Data: BookUpdate{
			Type:      "update",
			Symbol:    symbol,
			Bids:      snap.Bids,
			Asks:      snap.Asks,
			Timestamp: time.Now().Unix(),
		},
		Timestamp: time.Now().Unix(),
	})
}

// Stats returns hub counters.
func (s *Server) Stats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"channels":      numChannels,
	}
}
