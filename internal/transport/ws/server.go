package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"routerelay/internal/logging"
	"routerelay/internal/registry"
)

// CommandHandler receives start-tracking requests from connections.
type CommandHandler interface {
	OnStartTracking(ctx context.Context, connectionID, routeID string) error
}

// Registry is the connection registry as seen by the transport.
type Registry interface {
	Register(registry.Conn) error
	Unregister(id string) bool
}

type Config struct {
	Path            string
	SendQueue       int
	MaxDecodeErrors int
	MaxPayloadBytes int
}

func (c *Config) withDefaults() {
	if c.Path == "" {
		c.Path = "/socket"
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.MaxDecodeErrors <= 0 {
		c.MaxDecodeErrors = 8
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 64 << 10
	}
}

type Server struct {
	cfg      Config
	conns    Registry
	commands CommandHandler
	logger   *slog.Logger
	newID    func() string
}

func NewServer(cfg Config, conns Registry, commands CommandHandler, logger *slog.Logger) *Server {
	cfg.withDefaults()
	return &Server{cfg: cfg, conns: conns, commands: commands, logger: logging.OrDiscard(logger), newID: uuid.NewString}
}

// Mount registers the websocket endpoint and /up on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	wsServer := websocket.Server{
		// Any origin may connect; there is no authentication in this relay.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveConn,
	}
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsServer.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Mount(mux)
	return mux
}

func (s *Server) serveConn(ws *websocket.Conn) {
	ws.MaxPayloadBytes = s.cfg.MaxPayloadBytes
	c := newConnection(s.newID(), ws, s.cfg.SendQueue)

	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writeLoop(s.logger)
	}()
	defer func() {
		s.conns.Unregister(c.id)
		c.close()
		<-written
		_ = ws.Close()
		s.logger.Info("ws: connection closed", "connection_id", c.id)
	}()

	if err := s.conns.Register(c); err != nil {
		s.logger.Error("ws: register connection", "connection_id", c.id, "error", err)
		return
	}
	if f, err := NewFrame(EventConnected, ConnectedPayload{ConnectionID: c.id}); err == nil {
		_ = c.enqueue(f)
	}
	remote := ""
	if req := ws.Request(); req != nil {
		remote = req.RemoteAddr
	}
	s.logger.Info("ws: connection registered", "connection_id", c.id, "remote", remote)

	ctx := context.Background()
	if req := ws.Request(); req != nil {
		ctx = req.Context()
	}
	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *connection) {
	decodeErrors := 0
	for {
		var raw []byte
		if err := websocket.Message.Receive(c.ws, &raw); err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			decodeErrors++
			s.logger.Debug("ws: undecodable frame", "connection_id", c.id, "error", err)
			if decodeErrors >= s.cfg.MaxDecodeErrors {
				s.logger.Warn("ws: too many undecodable frames, closing", "connection_id", c.id)
				return
			}
			continue
		}
		decodeErrors = 0

		switch f.Type {
		case EventNewDirection:
			var p NewDirectionPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				s.logger.Warn("ws: invalid new-direction payload", "connection_id", c.id, "error", err)
				continue
			}
			// Errors are logged by the handler and deliberately not echoed back.
			_ = s.commands.OnStartTracking(ctx, c.id, p.RouteID)
		default:
			s.logger.Debug("ws: unsupported frame type", "connection_id", c.id, "type", f.Type)
		}
	}
}
