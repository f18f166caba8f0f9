package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"vmstats-agent/internal/config"
	"vmstats-agent/internal/model"
)

var (
	ErrQueueFull = errors.New("alert queue full, alert dropped")
	ErrClosed    = errors.New("alert stream closed")
)

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCClient forwards alerts over one long-lived client stream. SendAlert only
// enqueues; a single goroutine owns the connection and the stream, so a stalled
// collector fills the queue instead of blocking the samplers.
type GRPCClient struct {
	logger   *slog.Logger
	addr     string
	token    string
	method   string
	dialOpts []grpc.DialOption

	queue   chan AlertFrame
	ctx     context.Context
	cancel  context.CancelFunc
	start   sync.Once
	started atomic.Bool
	done    chan struct{}

	// owned by the forward goroutine
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func NewGRPCClient(addr, token, method string, buffer int, logger *slog.Logger, opts ...grpc.DialOption) *GRPCClient {
	if method == "" {
		method = config.DefaultAlertStreamMethod
	}
	if buffer < 1 {
		buffer = config.DefaultAlertStreamBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCClient{
		logger:   logger,
		addr:     addr,
		token:    token,
		method:   method,
		dialOpts: opts,
		queue:    make(chan AlertFrame, buffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// SendAlert never blocks: it returns ErrQueueFull when the forwarder is
// behind and ErrClosed after Close.
func (c *GRPCClient) SendAlert(ctx context.Context, a model.Alert) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.start.Do(func() {
		c.started.Store(true)
		go c.forward()
	})
	select {
	case c.queue <- NewAlertFrame(a):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Close cancels the stream, which also unblocks an in-flight send, and waits
// for the forward goroutine until ctx expires.
func (c *GRPCClient) Close(ctx context.Context) error {
	c.cancel()
	c.start.Do(func() {})
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close alert stream: %w", ctx.Err())
	}
}

func (c *GRPCClient) forward() {
	defer close(c.done)
	defer c.teardown()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.queue:
			if err := c.send(&frame); err != nil && c.ctx.Err() == nil {
				c.logger.Warn("grpc alert send failed, alert dropped", "kind", string(frame.Alert.Kind), "error", err)
			}
		}
	}
}

func (c *GRPCClient) send(frame *AlertFrame) error {
	if err := c.ensureConn(); err != nil {
		return err
	}
	if c.stream == nil {
		if err := c.openStream(); err != nil {
			return err
		}
	}
	if err := c.stream.SendMsg(frame); err != nil {
		if c.ctx.Err() != nil {
			return err
		}
		c.logger.Warn("grpc alert send failed, reopening stream", "error", err)
		c.closeStream()
		if err2 := c.openStream(); err2 != nil {
			return fmt.Errorf("reopen alert stream: %w", err2)
		}
		if err2 := c.stream.SendMsg(frame); err2 != nil {
			return fmt.Errorf("send alert frame: %w", err2)
		}
	}
	return nil
}

func (c *GRPCClient) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return fmt.Errorf("grpc client %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("grpc alert stream configured", "addr", c.addr)
	return nil
}

func (c *GRPCClient) openStream() error {
	streamCtx := c.ctx
	if c.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+c.token)
	}
	s, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, c.method)
	if err != nil {
		return fmt.Errorf("open alert stream: %w", err)
	}
	c.stream = s
	return nil
}

func (c *GRPCClient) closeStream() {
	if c.stream != nil {
		_ = c.stream.CloseSend()
		c.stream = nil
	}
}

func (c *GRPCClient) teardown() {
	c.closeStream()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
