package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client records amplifier telemetry. Writes are queued and batched by the
// InfluxDB WriteAPI and never block the caller; failures are reported to
// the SetOnError callback. Safe for concurrent use.
type Client struct {
	client influxdb2.Client
	writer pointWriter
	cfg    config.InfluxDBConfig

	open atomic.Bool

	errMu   sync.RWMutex
	onError func(err error)
}

// Connect pings the server and starts the batching writer. A disabled
// config yields ErrDisabled.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))
	if err := ping(client, connectTimeout); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	api := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(cfg, api)
	c.client = client
	go c.forwardErrors(api.Errors())
	return c, nil
}

// writeOptions applies batch size and flush interval, falling back to the
// defaults for unset values.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // positive by construction
}

func ping(client influxdb2.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return pingCtx(ctx, client)
}

func pingCtx(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

func newClient(cfg config.InfluxDBConfig, w pointWriter) *Client {
	c := &Client{writer: w, cfg: cfg}
	c.open.Store(true)
	return c
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.errMu.RLock()
		fn := c.onError
		c.errMu.RUnlock()
		if fn != nil {
			fn(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// Close flushes what is queued and releases the client. Later writes are
// dropped.
func (c *Client) Close() error {
	if c.writer == nil || !c.open.Swap(false) {
		return nil
	}
	c.writer.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pingCtx(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is accepting writes.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// SetOnError sets the callback for asynchronous write failures.
func (c *Client) SetOnError(fn func(err error)) {
	c.errMu.Lock()
	c.onError = fn
	c.errMu.Unlock()
}

// Flush sends queued points now.
func (c *Client) Flush() {
	if c.writer != nil && c.IsConnected() {
		c.writer.Flush()
	}
}
