package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"routerelay/internal/delivery"
	"routerelay/internal/domain"
	"routerelay/internal/hashroute"
	"routerelay/internal/logging"
)

// Deliverer pushes a tick to its owning connection.
type Deliverer interface {
	Deliver(domain.PositionEvent) (delivery.Receipt, error)
}

// Counter reports the number of live client connections.
type Counter interface {
	Len() int
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	Partitions                                  int
	TLSConfig                                   *tls.Config
	Logger                                      *slog.Logger
}

func (c *Config) withDefaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 64
	}
	if c.GlobalQueueLimit <= 0 {
		c.GlobalQueueLimit = 4096
	}
	if c.Partitions <= 0 {
		c.Partitions = hashroute.DefaultPartitions
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
}

// Server accepts framed protobuf requests from the position feed and answers
// each Deliver with the typed delivery result.
type Server struct {
	cfg       Config
	deliverer Deliverer
	live      Counter
	logger    *slog.Logger
	ln        net.Listener
	addr      atomic.Value
	globalQ   chan struct{}
	partQ     []chan queuedRequest
	done      chan struct{}
	closed    atomic.Bool
	wg        sync.WaitGroup

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

type queuedRequest struct {
	req     *SocketRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewServer(cfg Config, deliverer Deliverer, live Counter) *Server {
	cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		deliverer: deliverer,
		live:      live,
		logger:    logging.OrDiscard(cfg.Logger),
		globalQ:   make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:     make([]chan queuedRequest, cfg.Partitions),
		done:      make(chan struct{}),
		active:    map[net.Conn]struct{}{},
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
		_ = os.Remove(addr)
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("feed: socket listening", "network", s.cfg.Network, "addr", ln.Addr().String())

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	close(s.done)
	s.mu.Lock()
	for c := range s.active {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.active[raw] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer func() {
			conn.close()
			_ = raw.Close()
			s.mu.Lock()
			delete(s.active, raw)
			s.mu.Unlock()
		}()
		s.readLoop(conn)
	}()
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.writerQ)
	}
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			s.logger.Error("feed: marshal socket response", "request_id", res.RequestId, "error", err)
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, overloaded(req, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, overloaded(req, "feed queue overloaded"))
			continue
		}

		qr := queuedRequest{req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[s.partitionFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, overloaded(req, "partition queue overloaded"))
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req := <-q:
			res := s.handleRequest(req.req)
			req.release()
			s.send(req.conn, res)
		}
	}
}

// send never blocks; a response that does not fit the writer queue is lost.
func (s *Server) send(conn *connection, res *SocketResponse) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	select {
	case conn.writerQ <- res:
	default:
		s.logger.Warn("feed: socket writer queue full, response lost", "request_id", res.RequestId)
	}
}

func (s *Server) partitionFor(req *SocketRequest) int {
	if req.Deliver != nil && req.Deliver.Tick != nil {
		return hashroute.Partition(req.Deliver.Tick.RouteId, len(s.partQ))
	}
	return 0
}

func (s *Server) handleRequest(req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		live := 0
		if s.live != nil {
			live = s.live.Len()
		}
		res.Health = &HealthResponse{Ok: !s.closed.Load(), Message: "ok", LiveConnections: uint32(live)}
	case OperationDeliver:
		rcpt, err := s.deliverer.Deliver(req.Deliver.Tick.Event())
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(codeFor(err)), err.Error()
			return res
		}
		res.Deliver = &DeliverResponse{RouteId: rcpt.RouteID, ConnectionId: rcpt.ConnectionID}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func overloaded(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: msg}
}

// DialAndRequest sends one request on a fresh connection and waits for its
// response.
func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}
