package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warmlink/rendezvous/internal/hub"
	"github.com/warmlink/rendezvous/internal/metrics"
	"github.com/warmlink/rendezvous/internal/origin"
	"github.com/warmlink/rendezvous/internal/protocol"
	"github.com/warmlink/rendezvous/internal/ratelimit"
)

// Config carries the signaling endpoint's collaborators and per-connection
// limits.
type Config struct {
	Hub     *hub.Hub
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins widens the browser origin check beyond same-host.
	AllowedOrigins []string
	// ClientIdleTimeout and SweepInterval together bound the read deadline:
	// a connection that produces neither messages nor pongs for
	// ClientIdleTimeout+SweepInterval is torn down by the transport even if
	// the hub sweeper has not gotten to it yet.
	ClientIdleTimeout time.Duration
	SweepInterval     time.Duration
	// MaxMessageBytes caps a single inbound frame. Larger frames close the
	// connection with 1009.
	MaxMessageBytes int64
	// MaxMessagesPerSecond is the sustained inbound rate per connection,
	// with a burst allowance of the same size.
	MaxMessagesPerSecond int
	// SendQueueSize bounds the outbound frame queue per connection.
	SendQueueSize int
}

// Server upgrades /ws requests and drives the hub with parsed client
// messages.
type Server struct {
	cfg      Config
	checker  *origin.Checker
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		checker: origin.NewChecker(cfg.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checker.Allow(r.Header.Get("Origin"), r.Host)
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error, 403 for a rejected origin.
		s.cfg.Log.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	rate := int64(s.cfg.MaxMessagesPerSecond)
	c := &client{
		srv:     s,
		ws:      ws,
		conn:    newWSConn(ws, s.cfg.SendQueueSize),
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate),
		remote:  r.RemoteAddr,
	}
	c.run()
}

// client is the read side of one websocket session. The loop below owns all
// reads; outbound frames from the hub go through the wsConn writer.
type client struct {
	srv     *Server
	ws      *websocket.Conn
	conn    *wsConn
	limiter *ratelimit.TokenBucket
	remote  string

	// userID is set by the first successful join. Only the read loop and the
	// pong handler touch it, and both run on the same goroutine.
	userID string
}

func (c *client) run() {
	cfg := c.srv.cfg
	defer func() {
		c.conn.Close("")
		if c.userID != "" {
			cfg.Hub.Remove(c.userID, c.conn)
		}
	}()

	readWait := cfg.ClientIdleTimeout + cfg.SweepInterval
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		if c.userID != "" {
			cfg.Hub.Touch(c.userID)
		}
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		if !c.limiter.Allow(1) {
			cfg.Metrics.Inc(metrics.EventRateLimited)
			cfg.Log.Info("client over message rate", "user_id", c.userID, "remote", c.remote)
			c.reply(protocol.CodeRateLimited, "message rate limit exceeded")
			c.conn.Close("rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			cfg.Metrics.Inc(metrics.EventBadMessages)
			c.reply(protocol.CodeBadMessage, "expected a text frame")
			continue
		}

		if c.handleMessage(data) {
			return
		}
	}
}

// handleMessage dispatches one parsed frame. It reports true when the
// connection is finished and the read loop should stop.
func (c *client) handleMessage(data []byte) (done bool) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.srv.cfg.Metrics.Inc(metrics.EventBadMessages)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			c.reply(protocol.CodeUnknownType, err.Error())
		case errors.Is(err, protocol.ErrMissingField):
			c.reply(protocol.CodeMissingField, err.Error())
		default:
			c.reply(protocol.CodeBadMessage, "malformed message")
		}
		return false
	}

	if c.userID == "" && msg.Type != protocol.TypeJoin {
		c.reply(protocol.CodeNotJoined, "join before sending anything else")
		return false
	}

	switch msg.Type {
	case protocol.TypeJoin:
		return c.handleJoin(msg)
	case protocol.TypeFindMatch:
		c.handleFindMatch()
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		c.handleSignal(msg)
	case protocol.TypeDisconnect:
		c.srv.cfg.Hub.Leave(c.userID)
	}
	return false
}

func (c *client) handleJoin(msg *protocol.Message) (done bool) {
	cfg := c.srv.cfg
	if msg.UserID == "" {
		c.reply(protocol.CodeMissingField, "join requires userId")
		return false
	}

	if c.userID != "" && c.userID != msg.UserID {
		// The socket is changing identity; unwind the old registration
		// before taking the new one.
		cfg.Hub.Remove(c.userID, c.conn)
		c.userID = ""
	}

	if err := cfg.Hub.Register(msg.UserID, c.conn); err != nil {
		if errors.Is(err, hub.ErrTooManyClients) {
			c.reply(protocol.CodeTooManyClients, "server is full")
			c.conn.Close("server full")
			return true
		}
		c.conn.Close("shutting down")
		return true
	}

	c.userID = msg.UserID
	_ = c.conn.Send(protocol.Joined(c.userID))
	cfg.Log.Info("client joined", "user_id", c.userID, "remote", c.remote)
	return false
}

func (c *client) handleFindMatch() {
	cfg := c.srv.cfg
	outcome, err := cfg.Hub.RequestMatch(c.userID)
	if err != nil {
		// The registration vanished out from under the socket.
		c.reply(protocol.CodeTargetNotFound, "no session for "+c.userID)
		return
	}
	if !outcome.Matched {
		_ = c.conn.Send(protocol.Waiting())
		return
	}
	if err := c.conn.Send(protocol.Matched(outcome.MatchID, outcome.PartnerID, outcome.IsInitiator)); err != nil {
		cfg.Log.Warn("matched notification dropped", "user_id", c.userID, "error", err)
	}
}

func (c *client) handleSignal(msg *protocol.Message) {
	if msg.To == "" {
		c.reply(protocol.CodeMissingField, msg.Type+" requires to")
		return
	}

	err := c.srv.cfg.Hub.Relay(c.userID, msg.To, msg)
	switch {
	case err == nil:
	case errors.Is(err, hub.ErrTargetNotFound):
		c.reply(protocol.CodeTargetNotFound, "no such client: "+msg.To)
	case errors.Is(err, hub.ErrDeliveryFailed):
		c.reply(protocol.CodeDeliveryFailed, "delivery to "+msg.To+" failed")
	default:
		c.reply(protocol.CodeBadMessage, "malformed message")
	}
}

// reply sends an error frame. Best effort: a closed or backed-up connection
// drops it.
func (c *client) reply(code, message string) {
	_ = c.conn.Send(protocol.Error(code, message))
}
