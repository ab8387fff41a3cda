package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"routerelay/internal/domain"
	"routerelay/internal/logging"
	"routerelay/internal/overlay"
	"routerelay/internal/transport/ws"
)

var (
	ErrUnknownRoute = errors.New("unknown route")
	ErrHandshake    = errors.New("relay handshake failed")
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
)

// Notice is a user-facing message about a route.
type Notice struct {
	Level   Level
	RouteID string
	Message string
}

type Config struct {
	// BaseURL is the relay's HTTP address, e.g. http://localhost:3000.
	BaseURL    string
	SocketPath string
	HTTPClient *http.Client
	Directions overlay.Directions
	Color      func() string
	// OnUpdate, if set, sees every update applied to a tracking route.
	OnUpdate   func(domain.PositionUpdate)
	Logger     *slog.Logger
}

func (c *Config) withDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.SocketPath == "" {
		c.SocketPath = "/socket"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Directions == nil {
		c.Directions = overlay.StraightLine{Steps: 16}
	}
}

// Client is a tracking session against one relay: the route list, the
// websocket and the overlay state driven by it.
type Client struct {
	cfg          Config
	logger       *slog.Logger
	conn         *websocket.Conn
	connectionID string
	routes       []domain.RouteDefinition
	byID         map[string]domain.RouteDefinition
	overlays     *overlay.Manager
	notices      chan Notice

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// FetchRoutes reads the relay's route catalog.
func FetchRoutes(ctx context.Context, hc *http.Client, baseURL string) ([]domain.RouteDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/routes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch routes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch routes: unexpected status %s", resp.Status)
	}
	var out []domain.RouteDefinition
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	return out, nil
}

// Dial loads the route catalog, opens the websocket and waits for the
// relay to assign a connection id.
func Dial(ctx context.Context, cfg Config, surface overlay.Surface) (*Client, error) {
	cfg.withDefaults()
	routes, err := FetchRoutes(ctx, cfg.HTTPClient, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	origin := u.String()
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = cfg.SocketPath
	wsCfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	conn, err := wsCfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	var first ws.Frame
	if err := receiveFrame(conn, &first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var hello ws.ConnectedPayload
	if first.Type != ws.EventConnected || json.Unmarshal(first.Payload, &hello) != nil || hello.ConnectionID == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected first frame %q", ErrHandshake, first.Type)
	}

	c := &Client{
		cfg:          cfg,
		logger:       logging.OrDiscard(cfg.Logger),
		conn:         conn,
		connectionID: hello.ConnectionID,
		routes:       routes,
		byID:         make(map[string]domain.RouteDefinition, len(routes)),
		notices:      make(chan Notice, 64),
	}
	for _, r := range routes {
		c.byID[r.ID] = r
	}
	c.overlays = overlay.NewManager(surface, overlay.EmitterFunc(c.sendNewDirection), overlay.Options{
		Directions: cfg.Directions,
		Color:      cfg.Color,
		Logger:     cfg.Logger,
	})
	c.logger.Info("client: connected", "connection_id", c.connectionID, "routes", len(routes))
	return c, nil
}

func (c *Client) ConnectionID() string { return c.connectionID }

// Routes returns the catalog in relay order.
func (c *Client) Routes() []domain.RouteDefinition {
	return append([]domain.RouteDefinition(nil), c.routes...)
}

func (c *Client) Overlays() *overlay.Manager { return c.overlays }

func (c *Client) Notices() <-chan Notice { return c.notices }

// Start begins tracking a catalog route. A route that is already tracking
// produces a warning notice and returns overlay.ErrRouteAlreadyTracking.
func (c *Client) Start(routeID string) error {
	def, ok := c.byID[routeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	err := c.overlays.StartTracking(routeID, def.StartPosition.Position(), def.EndPosition.Position())
	if errors.Is(err, overlay.ErrRouteAlreadyTracking) {
		c.notify(Notice{Level: LevelWarn, RouteID: routeID, Message: fmt.Sprintf("%s already added, wait for it to finish", def.Title)})
	}
	return err
}

// Run applies position updates in arrival order until ctx is done or the
// relay closes the socket.
func (c *Client) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-stop:
		}
	}()

	for {
		var f ws.Frame
		if err := receiveFrame(c.conn, &f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read relay frame: %w", err)
		}
		switch f.Type {
		case ws.EventNewPosition:
			var u domain.PositionUpdate
			if err := json.Unmarshal(f.Payload, &u); err != nil {
				c.logger.Warn("client: undecodable new-position", "error", err)
				continue
			}
			c.apply(u)
		default:
			c.logger.Debug("client: ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) apply(u domain.PositionUpdate) {
	if !c.overlays.ApplyPositionUpdate(u) {
		return
	}
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(u)
	}
	if !u.Finished {
		return
	}
	title := u.RouteID
	if def, ok := c.byID[u.RouteID]; ok {
		title = def.Title
	}
	c.notify(Notice{Level: LevelSuccess, RouteID: u.RouteID, Message: title + " finished"})
}

func (c *Client) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.logger.Warn("client: notice dropped", "route_id", n.RouteID, "message", n.Message)
	}
}

func (c *Client) sendNewDirection(routeID string) error {
	f, err := ws.NewFrame(ws.EventNewDirection, ws.NewDirectionPayload{RouteID: routeID})
	if err != nil {
		return err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.Message.Send(c.conn, string(b))
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.overlays.Close()
		err = c.conn.Close()
	})
	return err
}

func receiveFrame(conn *websocket.Conn, f *ws.Frame) error {
	var raw []byte
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, f)
}
