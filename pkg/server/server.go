// Package server exposes a query.Engine over TCP using pkg/wire's binary
// framing. Its accept loop and per-connection goroutine shape is grounded on
// Aman-CERP-amanmcp's internal/daemon/server.go ListenAndServe/
// handleConnection, restructured from that daemon's unbounded
// goroutine-per-connection JSON-RPC model into spec.md §4.14's bounded
// worker-pool model: the acceptor hands each connection's request loop to a
// fixed-size worker pool via a buffered task channel, so a connection flood
// queues rather than spawning unbounded goroutines.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/logging"
	"github.com/gigavector/gigavector/pkg/wire"
)

// Config tunes Server's admission control and worker pool.
type Config struct {
	Addr            string        // TCP listen address, e.g. ":7070"
	Workers         int           // fixed worker-pool size; <=0 defaults to 8
	MaxConnections  int           // <=0 means unbounded
	MaxMessageBytes int           // forwarded to wire.Codec; 0 disables the cap
	ReadTimeout     time.Duration // per-request read deadline; 0 disables it
	Logger          logging.Logger
}

// Stats is the atomically-maintained counter set returned by the STATS
// message and by Server.Stats.
type Stats struct {
	TotalRequests     uint64
	ActiveConnections uint64
	BytesSent         uint64
	BytesReceived     uint64
	Errors            uint64
}

// Dispatcher executes one decoded request Frame and returns the Frame to
// write back. EngineDispatcher is the implementation over query.Engine plus
// VectorStore reads; Server depends only on this interface, so it can be
// tested with a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, req wire.Frame) wire.Frame
}

// connTask is one connection handed from the acceptor to a worker.
type connTask struct {
	conn net.Conn
}

// Server is a bounded worker-pool TCP front end for a Dispatcher.
type Server struct {
	cfg        Config
	codec      *wire.Codec
	dispatcher Dispatcher
	log        logging.Logger

	listener net.Listener
	tasks    chan connTask

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup

	stats       Stats
	connCount   int64
	latencySumUs int64
	latencyN     int64
}

// New constructs a Server. workers/MaxConnections default per Config's doc
// comments when <= 0.
func New(cfg Config, dispatcher Dispatcher) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Server{
		cfg:        cfg,
		codec:      wire.NewCodec(cfg.MaxMessageBytes),
		dispatcher: dispatcher,
		log:        cfg.Logger,
		tasks:      make(chan connTask, cfg.Workers*4),
	}
}

// ListenAndServe starts the acceptor and the fixed worker pool, blocking
// until ctx is cancelled or the listener fails. Accepted connections queue
// onto the worker pool's task channel; once MaxConnections are active, new
// connections are accepted and immediately closed, without a response
// frame, rather than left to block the OS accept backlog.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errs.Wrap(errs.KindIO, "server.Server.ListenAndServe", err)
	}
	s.listener = listener
	s.log.Info("server listening", "addr", s.cfg.Addr, "workers", s.cfg.Workers)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.log.Error("accept error", "error", err.Error())
			atomic.AddUint64(&s.stats.Errors, 1)
			continue
		}

		if s.cfg.MaxConnections > 0 && atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
			_ = conn.Close()
			atomic.AddUint64(&s.stats.Errors, 1)
			continue
		}

		select {
		case s.tasks <- connTask{conn: conn}:
		case <-ctx.Done():
			_ = conn.Close()
		}
	}

	close(s.tasks)
	s.wg.Wait()
	return ctx.Err()
}

// Stop triggers a graceful shutdown: the listener is closed and no further
// connections are accepted. Stop returns without waiting; ListenAndServe
// then lets the workers drain the remaining task queue before it returns.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Stats returns a snapshot of the server's atomic counters.
func (s *Server) Stats() Stats {
	return Stats{
		TotalRequests:     atomic.LoadUint64(&s.stats.TotalRequests),
		ActiveConnections: uint64(atomic.LoadInt64(&s.connCount)),
		BytesSent:         atomic.LoadUint64(&s.stats.BytesSent),
		BytesReceived:     atomic.LoadUint64(&s.stats.BytesReceived),
		Errors:            atomic.LoadUint64(&s.stats.Errors),
	}
}

// AvgLatencyMicros returns the running mean request latency in microseconds,
// or 0 if no request has completed yet.
func (s *Server) AvgLatencyMicros() int64 {
	n := atomic.LoadInt64(&s.latencyN)
	if n == 0 {
		return 0
	}
	return atomic.LoadInt64(&s.latencySumUs) / n
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for task := range s.tasks {
		s.handleConnection(ctx, task.conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	atomic.AddInt64(&s.connCount, 1)
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		_ = conn.Close()
	}()

	// Disable Nagle's algorithm so small request/response frames aren't
	// held back waiting to coalesce. Go never delivers SIGPIPE to the
	// process for writes to a closed socket — those surface as a plain
	// error from Write, which the loop below already handles.
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			s.log.Warn("failed to set TCP_NODELAY", "error", err.Error())
		}
	}

	for {
		if s.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				s.log.Warn("failed to set read deadline", "error", err.Error())
			}
		}

		req, err := s.codec.ReadFrame(conn)
		if err != nil {
			if errs.KindOf(err) == errs.KindIO {
				return // client closed the connection or timed out
			}
			// Protocol error: the stream can no longer be trusted, so the
			// connection is closed after best-effort error notification.
			atomic.AddUint64(&s.stats.Errors, 1)
			errResp := wire.ErrorResponse{Code: wire.ErrCodeFor(errs.KindOf(err)), Message: err.Error()}
			_ = s.codec.WriteFrame(conn, wire.Frame{Type: wire.MsgResponse, RequestID: req.RequestID, Payload: errResp.Encode()})
			return
		}

		start := time.Now()
		resp := s.dispatcher.Dispatch(ctx, req)
		elapsed := time.Since(start)
		atomic.AddInt64(&s.latencySumUs, elapsed.Microseconds())
		atomic.AddInt64(&s.latencyN, 1)
		atomic.AddUint64(&s.stats.TotalRequests, 1)
		atomic.AddUint64(&s.stats.BytesReceived, uint64(len(req.Payload)))

		if err := s.codec.WriteFrame(conn, resp); err != nil {
			atomic.AddUint64(&s.stats.Errors, 1)
			return
		}
		atomic.AddUint64(&s.stats.BytesSent, uint64(len(resp.Payload)))
	}
}
