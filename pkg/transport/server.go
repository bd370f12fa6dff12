package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shm-exec/internal/logger"
	"github.com/srediag/shm-exec/pkg/executor"
)

const (
	DefaultAddr = "0.0.0.0:50051"
	// pollInterval bounds how long Next waits before rechecking its context.
	pollInterval = 100 * time.Millisecond
)

var ErrServerClosed = errors.New("transport: server closed")

// ServerConfig holds Server construction parameters.
type ServerConfig struct {
	Addr string
	// QueueHint sizes the readiness queue's initial allocation.
	QueueHint  int64
	Registerer prometheus.Registerer
	Logger     *logger.Logger
}

// Server accepts framed connections and exposes decoded requests through
// Next, which makes it an executor.Source.
type Server[Req, Resp any] struct {
	codec   Codec[Req, Resp]
	ln      net.Listener
	events  *queue.Queue
	conns   cmap.ConcurrentMap[uint64, *serverConn]
	nextID  atomic.Uint64
	serving atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Logger
	metrics *serverMetrics
}

type serverConn struct {
	id  uint64
	nc  net.Conn
	wmu sync.Mutex
}

// Listen binds the listening socket. Connections are accepted by Serve.
func Listen[Req, Resp any](cfg ServerConfig, codec Codec[Req, Resp]) (*Server[Req, Resp], error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.QueueHint <= 0 {
		cfg.QueueHint = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("transport", os.Stdout)
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Addr, err)
	}
	s := &Server[Req, Resp]{
		codec:  codec,
		ln:     ln,
		events: queue.New(cfg.QueueHint),
		conns: cmap.NewWithCustomShardingFunction[uint64, *serverConn](func(id uint64) uint32 {
			return uint32(id ^ id>>32)
		}),
		log: cfg.Logger,
	}
	s.metrics = newServerMetrics(cfg.Registerer, func() float64 { return float64(s.events.Len()) })
	s.log.Infof("listening on %s", ln.Addr())
	return s, nil
}

// Addr returns the bound address.
func (s *Server[Req, Resp]) Addr() net.Addr { return s.ln.Addr() }

// Bound reports whether Serve is accepting connections.
func (s *Server[Req, Resp]) Bound() bool { return s.serving.Load() && !s.closed.Load() }

// Queued returns the number of decoded requests not yet claimed.
func (s *Server[Req, Resp]) Queued() int64 { return s.events.Len() }

// Serve accepts connections until ctx is done or the server is closed.
// Accept errors other than a closed listener are retried with backoff.
func (s *Server[Req, Resp]) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	s.serving.Store(true)
	defer s.serving.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			wait := b.NextBackOff()
			s.log.Warnf("accept: %v; retrying in %v", err, wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		b.Reset()
		c := &serverConn{id: s.nextID.Add(1), nc: nc}
		s.conns.Set(c.id, c)
		s.metrics.accepted.Inc()
		s.metrics.connections.Inc()
		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *Server[Req, Resp]) readLoop(c *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.conns.Remove(c.id)
		s.metrics.connections.Dec()
		_ = c.nc.Close()
	}()
	s.log.Debugf("connection %d from %s", c.id, c.nc.RemoteAddr())

	for {
		h, payload, err := ReadFrame(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !s.closed.Load() {
				s.log.Warnf("connection %d: read: %v", c.id, err)
			}
			return
		}
		s.metrics.frames.WithLabelValues("in", h.Type.String()).Inc()
		if h.Type != FrameRequest {
			s.log.Warnf("connection %d: %v: %s", c.id, ErrFrameType, h.Type)
			return
		}

		var req Req
		if err := s.codec.DecodeRequest(payload, &req); err != nil {
			s.writeError(c, h.Seq, err)
			continue
		}
		seq := h.Seq
		ev := executor.Event[Req, Resp]{
			Request: req,
			Finish: func(resp Resp, err error) {
				if err != nil {
					s.writeError(c, seq, err)
					return
				}
				s.writeResponse(c, seq, &resp)
			},
		}
		if err := s.events.Put(ev); err != nil {
			// Disposed: the server is shutting down.
			return
		}
	}
}

func (s *Server[Req, Resp]) writeResponse(c *serverConn, seq uint32, resp *Resp) {
	buf := frameBuffer()
	defer bytebufferpool.Put(buf)
	if err := s.codec.EncodeResponse(buf, resp); err != nil {
		s.writeError(c, seq, err)
		return
	}
	s.send(c, buf, seq, FrameResponse)
}

func (s *Server[Req, Resp]) writeError(c *serverConn, seq uint32, err error) {
	buf := frameBuffer()
	defer bytebufferpool.Put(buf)
	s.codec.EncodeError(buf, err)
	s.send(c, buf, seq, FrameError)
}

func (s *Server[Req, Resp]) send(c *serverConn, buf *bytebufferpool.ByteBuffer, seq uint32, typ FrameType) {
	if err := sealFrame(buf, seq, typ); err != nil {
		s.log.Errorf("connection %d: seq %d: %v", c.id, seq, err)
		return
	}
	c.wmu.Lock()
	_, err := c.nc.Write(buf.B)
	c.wmu.Unlock()
	if err != nil {
		s.log.Debugf("connection %d: write seq %d: %v", c.id, seq, err)
		return
	}
	s.metrics.frames.WithLabelValues("out", typ.String()).Inc()
}

// Next blocks until a decoded request is available.
func (s *Server[Req, Resp]) Next(ctx context.Context) (executor.Event[Req, Resp], error) {
	for {
		if err := ctx.Err(); err != nil {
			return executor.Event[Req, Resp]{}, err
		}
		items, err := s.events.Poll(1, pollInterval)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrDisposed):
			return executor.Event[Req, Resp]{}, executor.ErrSourceClosed
		case err != nil:
			return executor.Event[Req, Resp]{}, err
		}
		return items[0].(executor.Event[Req, Resp]), nil
	}
}

// Close stops accepting, fails Next with executor.ErrSourceClosed and closes
// every connection. Requests already queued but not yet claimed are answered
// with ErrServerClosed.
func (s *Server[Req, Resp]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	for _, item := range s.events.Dispose() {
		var zero Resp
		item.(executor.Event[Req, Resp]).Finish(zero, ErrServerClosed)
	}
	for item := range s.conns.IterBuffered() {
		_ = item.Val.nc.Close()
	}
	s.wg.Wait()
	return err
}
