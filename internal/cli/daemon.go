package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/rbaliyan/admit"
	"github.com/rbaliyan/admit/idempotency"
	"github.com/rbaliyan/admit/ingest"
	monhttp "github.com/rbaliyan/admit/monitor/http"
	"github.com/rbaliyan/admit/monitor/stream"
	"github.com/rbaliyan/admit/ratelimit"
)

// daemon owns every long-lived component of admitd.
type daemon struct {
	cfg    admit.Config
	logger *slog.Logger

	redis       redis.UniversalClient
	gate        *admit.Gate
	conn        *nats.Conn
	consumer    *ingest.Consumer
	broadcaster *stream.Broadcaster
	server      *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func newDaemon(cfg admit.Config) (_ *daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:    cfg,
		logger: slog.Default().With("component", "admitd"),
	}
	defer func() {
		if err == nil {
			return
		}
		if d.gate != nil {
			d.gate.Close(context.Background())
		}
		d.release()
	}()

	opts := []admit.Option{
		admit.WithMeter(otel.Meter("admit")),
	}
	if cfg.Redis.Enabled() {
		d.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		shared := ratelimit.NewRedisCounter(d.redis, ratelimit.WithKeyPrefix(cfg.Redis.Prefix))
		local := ratelimit.NewMemoryCounter(ratelimit.WithMaxKeys(cfg.LocalMaxKeys))
		opts = append(opts, admit.WithCounter(ratelimit.NewFallbackCounter(shared, local,
			ratelimit.WithProbeInterval(cfg.Redis.ProbeInterval))))
		d.logger.Info("using redis window counter", "addrs", cfg.Redis.Addrs, "prefix", cfg.Redis.Prefix)

		if cfg.DedupeSize > 0 && cfg.Redis.DedupeTTL > 0 {
			opts = append(opts, admit.WithDedupeStore(idempotency.NewRedisStore(d.redis, cfg.Redis.DedupeTTL)))
		}
	}

	d.gate, err = admit.New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.NATS.Enabled() {
		if err := d.connectNATS(); err != nil {
			return nil, err
		}
	}

	d.broadcaster = stream.NewBroadcaster(d.gate, time.Second)
	d.server = &http.Server{
		Handler:           monhttp.New(d.gate, monhttp.WithBroadcaster(d.broadcaster)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

func (d *daemon) connectNATS() error {
	cfg := d.cfg.NATS
	codec, err := ingest.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	d.conn, err = nats.Connect(cfg.URL,
		nats.Name("admitd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}

	dispatcher, err := ingest.NewDispatcher(d.conn, cfg.WorkSubject,
		ingest.WithDispatchCodec(codec),
		ingest.WithRequestTimeout(cfg.RequestTimeout))
	if err != nil {
		return err
	}

	copts := []ingest.ConsumerOption{
		ingest.WithQueue(cfg.Queue),
		ingest.WithCodec(codec),
	}
	if cfg.RejectSubject != "" {
		notifier, err := ingest.NewNotifier(d.conn, cfg.RejectSubject, codec)
		if err != nil {
			return err
		}
		copts = append(copts, ingest.WithNotifier(notifier))
	}

	d.consumer, err = ingest.NewConsumer(d.conn, cfg.Subject, d.gate, dispatcher, copts...)
	return err
}

// Run serves until ctx is done, then shuts down within grace.
func (d *daemon) Run(ctx context.Context, grace time.Duration) error {
	ln, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	d.broadcaster.Start(ctx)
	if d.consumer != nil {
		if err := d.consumer.Start(ctx); err != nil {
			ln.Close()
			return errors.Join(err, d.shutdown(context.Background()))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Serve(ln)
	}()
	d.logger.Info("admitd started", "http", ln.Addr().String(), "nats", d.cfg.NATS.Enabled())

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		d.logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return errors.Join(serveErr, d.shutdown(shutdownCtx))
}

// Addr returns the HTTP listen address once Run has started.
func (d *daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Reload applies the runtime-tunable settings of cfg.
func (d *daemon) Reload(cfg admit.Config) error {
	if err := d.gate.Reload(cfg); err != nil {
		return err
	}
	d.logger.Info("config reloaded")
	return nil
}

// shutdown stops intake first, then lets queued tasks finish while NATS is
// still connected for their work requests.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if d.consumer != nil {
		if err := d.consumer.Close(); err != nil && !errors.Is(err, ingest.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	d.broadcaster.Stop()
	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.gate.Close(ctx); err != nil && !errors.Is(err, admit.ErrGateClosed) {
		errs = append(errs, err)
	}
	d.release()
	return errors.Join(errs...)
}

func (d *daemon) release() {
	if d.conn != nil {
		d.conn.Close()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn("closing redis", "error", err)
		}
	}
}
