package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/coinpulse/internal/api"
	"github.com/rickgao/coinpulse/internal/connection"
)

const writeWait = 5 * time.Second

// Stats reports server activity.
type Stats struct {
	Sessions      int   `json:"sessions"`
	Accepted      int64 `json:"accepted"`
	Requests      int64 `json:"requests"`
	BadRequests   int64 `json:"bad_requests"`
	FramesSent    int64 `json:"frames_sent"`
	Ticks         int64 `json:"ticks"`
	RESTResponses int64 `json:"rest_responses"`
}

// Server serves /ws and /v1/prices over a simulated Market.
type Server struct {
	cfg      Config
	market   *Market
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}

	accepted    atomic.Int64
	requests    atomic.Int64
	badRequests atomic.Int64
	framesSent  atomic.Int64
	ticks       atomic.Int64
	restHits    atomic.Int64
}

// NewServer creates a simulated exchange.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}

	s := &Server{
		cfg:    cfg,
		market: NewMarket(cfg),
		logger: logger.With("component", "exchange"),
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/v1/prices", s.getPrices)
	s.engine.GET("/health", s.getHealth)
	s.engine.POST("/admin/drop", s.postDrop)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Market returns the underlying market.
func (s *Server) Market() *Market {
	return s.market
}

// Run ticks the market until ctx ends, then drops every session.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.DropAll()
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick moves every subscribed coin once and pushes the new prices. It
// returns the number of frames written.
func (s *Server) Tick() int {
	s.ticks.Add(1)

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	union := make(map[string]struct{})
	for ss := range s.sessions {
		sessions = append(sessions, ss)
		for _, id := range ss.subscribed() {
			union[id] = struct{}{}
		}
	}
	s.mu.Unlock()

	if len(union) == 0 {
		return 0
	}

	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	updates := make(map[string]connection.PriceUpdateMessage, len(ids))
	for _, u := range s.market.Step(ids) {
		updates[u.CoinID] = connection.NewPriceUpdateMessage(u)
	}

	sent := 0
	for _, ss := range sessions {
		for _, id := range ss.subscribed() {
			msg, ok := updates[id]
			if !ok {
				continue
			}
			if err := s.write(ss, msg); err != nil {
				s.logger.Debug("dropping session", "error", err)
				ss.conn.Close()
				break
			}
			sent++
		}
	}
	return sent
}

// DropAll closes every live session and returns how many were closed.
func (s *Server) DropAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ss := range s.sessions {
		ss.conn.Close()
	}
	return len(s.sessions)
}

// Stats returns current statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()

	return Stats{
		Sessions:      n,
		Accepted:      s.accepted.Load(),
		Requests:      s.requests.Load(),
		BadRequests:   s.badRequests.Load(),
		FramesSent:    s.framesSent.Load(),
		Ticks:         s.ticks.Load(),
		RESTResponses: s.restHits.Load(),
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	ss := &session{conn: conn, coins: make(map[string]struct{})}
	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()
	s.accepted.Add(1)

	s.logger.Info("client connected",
		"remote", c.Request.RemoteAddr,
		"user_agent", c.Request.UserAgent(),
	)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, ss)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("client disconnected", "remote", c.Request.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.handleRequest(ss, data); err != nil {
			return
		}
	}
}

// handleRequest applies one subscription request. It returns an error only
// when the session can no longer be written to.
func (s *Server) handleRequest(ss *session, data []byte) error {
	s.requests.Add(1)

	var req connection.SubscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.badRequests.Add(1)
		return s.write(ss, connection.AckMessage{Type: connection.TypeError, Message: "invalid request: " + err.Error()})
	}

	switch req.Action {
	case connection.ActionSubscribe:
		added := ss.add(req.CoinIDs)
		if err := s.write(ss, connection.AckMessage{Type: connection.TypeSubscribed, CoinIDs: req.CoinIDs}); err != nil {
			return err
		}
		// New subscribers get the current price straight away.
		for _, id := range added {
			if err := s.write(ss, connection.NewPriceUpdateMessage(s.market.Price(id))); err != nil {
				return err
			}
		}
		return nil

	case connection.ActionUnsubscribe:
		ss.remove(req.CoinIDs)
		return s.write(ss, connection.AckMessage{Type: connection.TypeUnsubscribed, CoinIDs: req.CoinIDs})

	default:
		s.badRequests.Add(1)
		return s.write(ss, connection.AckMessage{Type: connection.TypeError, Message: "unknown action: " + string(req.Action)})
	}
}

func (s *Server) write(ss *session, v any) error {
	if err := ss.write(v); err != nil {
		return err
	}
	s.framesSent.Add(1)
	return nil
}

func (s *Server) getPrices(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids is required"})
		return
	}

	resp := api.PricesResponse{Prices: make([]api.APIPrice, 0, len(ids))}
	for _, id := range ids {
		u := s.market.Price(id)
		resp.Prices = append(resp.Prices, api.APIPrice{
			CoinID:    u.CoinID,
			Price:     u.Price,
			Timestamp: u.Timestamp,
		})
	}
	s.restHits.Add(1)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}

func (s *Server) postDrop(c *gin.Context) {
	n := s.DropAll()
	s.logger.Info("dropped sessions", "count", n)
	c.JSON(http.StatusOK, gin.H{"dropped": n})
}

// session is one client socket and the coins it subscribed to.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	coins map[string]struct{}
}

func (ss *session) write(v any) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ss.conn.WriteJSON(v)
}

// add records coinIDs and returns the ones that were new.
func (ss *session) add(coinIDs []string) []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var added []string
	for _, id := range coinIDs {
		if id == "" {
			continue
		}
		if _, ok := ss.coins[id]; ok {
			continue
		}
		ss.coins[id] = struct{}{}
		added = append(added, id)
	}
	return added
}

func (ss *session) remove(coinIDs []string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, id := range coinIDs {
		delete(ss.coins, id)
	}
}

func (ss *session) subscribed() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ids := make([]string, 0, len(ss.coins))
	for id := range ss.coins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
