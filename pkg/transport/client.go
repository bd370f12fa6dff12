package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shm-exec/internal/logger"
)

var ErrClientClosed = errors.New("transport: client closed")

// ClientConfig holds Dial parameters.
type ClientConfig struct {
	Addr string
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// MaxDialElapsed bounds the whole retry sequence; zero means 10s.
	MaxDialElapsed time.Duration
	Logger         *logger.Logger
}

type reply struct {
	hdr     Header
	payload []byte
	err     error
}

// Client issues pipelined calls over a single connection.
type Client[Req, Resp any] struct {
	codec   Codec[Req, Resp]
	nc      net.Conn
	wmu     sync.Mutex
	seq     atomic.Uint32
	pending cmap.ConcurrentMap[uint32, chan reply]
	dead    atomic.Bool
	fatal   atomic.Pointer[error]
	done    chan struct{}
	log     *logger.Logger
}

// Dial connects to cfg.Addr, retrying with exponential backoff until the
// connection succeeds, ctx is done or MaxDialElapsed passes.
func Dial[Req, Resp any](ctx context.Context, cfg ClientConfig, codec Codec[Req, Resp]) (*Client[Req, Resp], error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = time.Second
	}
	if cfg.MaxDialElapsed <= 0 {
		cfg.MaxDialElapsed = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("client", os.Stdout)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = cfg.MaxDialElapsed

	var nc net.Conn
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	err := backoff.RetryNotify(func() error {
		var err error
		nc, err = dialer.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		cfg.Logger.Debugf("dial %s: %v; retrying in %v", cfg.Addr, err, wait)
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.Addr, err)
	}

	c := &Client[Req, Resp]{
		codec:   codec,
		nc:      nc,
		pending: cmap.NewWithCustomShardingFunction[uint32, chan reply](func(seq uint32) uint32 { return seq }),
		done:    make(chan struct{}),
		log:     cfg.Logger,
	}
	go c.readLoop()
	return c, nil
}

func (c *Client[Req, Resp]) readLoop() {
	defer close(c.done)
	defer func() { _ = c.nc.Close() }()
	for {
		h, payload, err := ReadFrame(c.nc)
		if err != nil {
			c.fail(err)
			return
		}
		ch, ok := c.pending.Pop(h.Seq)
		if !ok {
			c.log.Warnf("response for unknown seq %d", h.Seq)
			continue
		}
		ch <- reply{hdr: h, payload: payload}
	}
}

// fail marks the client dead and answers every pending call with err.
func (c *Client[Req, Resp]) fail(err error) {
	c.fatal.CompareAndSwap(nil, &err)
	c.dead.Store(true)
	err = c.failure()
	for _, seq := range c.pending.Keys() {
		if ch, ok := c.pending.Pop(seq); ok {
			ch <- reply{err: err}
		}
	}
}

func (c *Client[Req, Resp]) failure() error {
	if p := c.fatal.Load(); p != nil {
		return *p
	}
	return ErrClientClosed
}

// Call sends req and waits for its response. A non-nil error is either a
// transport failure or the server-side error decoded by the codec.
func (c *Client[Req, Resp]) Call(ctx context.Context, req *Req) (Resp, error) {
	var zero Resp
	if c.dead.Load() {
		return zero, c.failure()
	}

	buf := frameBuffer()
	defer bytebufferpool.Put(buf)
	if err := c.codec.EncodeRequest(buf, req); err != nil {
		return zero, err
	}
	seq := c.seq.Add(1)
	if err := sealFrame(buf, seq, FrameRequest); err != nil {
		return zero, err
	}

	ch := make(chan reply, 1)
	c.pending.Set(seq, ch)
	if c.dead.Load() {
		if _, ok := c.pending.Pop(seq); ok {
			return zero, c.failure()
		}
	}

	c.wmu.Lock()
	_, err := c.nc.Write(buf.B)
	c.wmu.Unlock()
	if err != nil {
		c.pending.Remove(seq)
		return zero, fmt.Errorf("transport: write seq %d: %w", seq, err)
	}

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		c.pending.Remove(seq)
		return zero, ctx.Err()
	}
	if r.err != nil {
		return zero, r.err
	}

	switch r.hdr.Type {
	case FrameResponse:
		var resp Resp
		if err := c.codec.DecodeResponse(r.payload, &resp); err != nil {
			return zero, err
		}
		return resp, nil
	case FrameError:
		return zero, c.codec.DecodeError(r.payload)
	}
	return zero, fmt.Errorf("%w: %s", ErrFrameType, r.hdr.Type)
}

// Close closes the connection and fails pending calls with ErrClientClosed.
func (c *Client[Req, Resp]) Close() error {
	closed := ErrClientClosed
	c.fatal.CompareAndSwap(nil, &closed)
	if c.dead.Swap(true) {
		<-c.done
		return nil
	}
	err := c.nc.Close()
	<-c.done
	return err
}
