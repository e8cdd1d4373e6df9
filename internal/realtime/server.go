package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/xtrntr/p2pdesk/internal/logger"
)

// TokenParser resolves the user behind a bearer token
type TokenParser interface {
	UserIDFromToken(token string) (string, error)
}

// Backend carries out the client actions that touch trades
type Backend interface {
	AuthorizeTradeRoom(ctx context.Context, userID, tradeID string) error
	SendChatMessage(ctx context.Context, userID, tradeID, text string) error
}

// ClientFrame is a message received from a websocket client
type ClientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type marketData struct {
	Cryptocurrency string `json:"cryptocurrency"`
	FiatCurrency   string `json:"fiatCurrency"`
}

type tradeData struct {
	TradeID string `json:"tradeId"`
	Message string `json:"message"`
}

type errorData struct {
	Message string `json:"message"`
}

// Server upgrades GET /ws requests and dispatches client frames
type Server struct {
	hub      *Hub
	tokens   TokenParser
	backend  Backend
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the websocket endpoint. allowedOrigins empty or "*" accepts any origin.
func NewServer(hub *Hub, tokens TokenParser, backend Backend, log *logger.Logger, allowedOrigins []string) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		hub:     hub,
		tokens:  tokens,
		backend: backend,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// ServeHTTP authenticates the socket, joins it to its user room and runs its pumps
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := s.tokens.UserIDFromToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.F("user_id", userID), logger.F("error", err))
		return
	}

	c := NewClient(userID, conn)
	s.hub.Register(c)
	s.log.Debug("websocket connected", logger.F("user_id", userID))

	go c.writePump(s.log)
	c.readPump(func(msg []byte) {
		var f ClientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.reply(c, "malformed frame")
			return
		}
		s.Handle(context.Background(), c, f)
	})
	s.hub.Unregister(c)
	s.log.Debug("websocket disconnected", logger.F("user_id", userID))
}

// Handle applies one client frame on behalf of c
func (s *Server) Handle(ctx context.Context, c *Client, f ClientFrame) {
	switch f.Event {
	case EventOrderSubscribe, EventOrderUnsubscribe:
		var d marketData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.Cryptocurrency == "" || d.FiatCurrency == "" {
			s.reply(c, "cryptocurrency and fiatCurrency are required")
			return
		}
		room := MarketRoom(d.Cryptocurrency, d.FiatCurrency)
		if f.Event == EventOrderSubscribe {
			s.hub.Join(c, room)
		} else {
			s.hub.Leave(c, room)
		}

	case EventTradeJoin, EventTradeLeave:
		var d tradeData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.TradeID == "" {
			s.reply(c, "tradeId is required")
			return
		}
		if f.Event == EventTradeLeave {
			s.hub.Leave(c, TradeRoom(d.TradeID))
			return
		}
		if err := s.backend.AuthorizeTradeRoom(ctx, c.UserID, d.TradeID); err != nil {
			s.reply(c, err.Error())
			return
		}
		s.hub.Join(c, TradeRoom(d.TradeID))

	case EventChatSend:
		var d tradeData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.TradeID == "" {
			s.reply(c, "tradeId is required")
			return
		}
		if err := s.backend.SendChatMessage(ctx, c.UserID, d.TradeID, d.Message); err != nil {
			s.reply(c, err.Error())
		}

	default:
		s.reply(c, "unknown event "+f.Event)
	}
}

// reply sends an error frame to c alone
func (s *Server) reply(c *Client, message string) {
	msg, err := Encode("", EventError, errorData{Message: message})
	if err != nil {
		return
	}
	if !c.enqueue(msg) {
		s.hub.Unregister(c)
	}
}
