package main

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/luno/txrelay"
	"github.com/luno/txrelay/config"
	"github.com/luno/txrelay/rblob"
	"github.com/luno/txrelay/rgrpc"
	"github.com/luno/txrelay/rpatterns"
	"github.com/luno/txrelay/rsink"
	"github.com/luno/txrelay/rsql"
	"github.com/luno/txrelay/server"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	lis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return errors.Wrap(err, "http listen", j.KS("addr", cfg.HTTP.Addr))
	}

	return run(ctx, cfg, lis)
}

// run serves HTTP on lis until ctx is cancelled or the server fails. A
// stopped relay is logged but does not stop the server.
func run(ctx context.Context, cfg *config.Config, lis net.Listener) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	closers = append(closers, func() { _ = lis.Close() })

	upstream, err := rgrpc.Dial(cfg.Upstream.Endpoint, upstreamOpts(cfg)...)
	if err != nil {
		return err
	}
	closers = append(closers, func() { _ = upstream.Close() })

	sinks, err := buildSinks(cfg, &closers)
	if err != nil {
		return err
	}

	opts := []txrelay.Option{
		txrelay.WithName(cfg.Cursor.Name),
		txrelay.WithStartCursor(cfg.StartVersion),
		txrelay.WithMaxRetries(cfg.MaxRetries),
		txrelay.WithRetryDelay(cfg.RetryDelay),
		txrelay.WithChainID(cfg.ChainID),
		txrelay.WithSinkBuffer(cfg.SinkBuffer),
		txrelay.WithSinks(sinks...),
	}

	cstore, err := buildCursorStore(ctx, cfg, &closers)
	if err != nil {
		return err
	}
	if cstore != nil {
		opts = append(opts, txrelay.WithCursorStore(cstore))
	}

	table := txrelay.NewInterestTable(cfg.Address, cfg.Module, cfg.Events...)
	relay := txrelay.New(upstream.StreamFunc(), table, opts...)

	srv := &http.Server{
		Handler:           server.NewHandler(ctx, relay, sinks, server.WithAllowedOrigins(cfg.HTTP.Origins...)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, "http server listening", j.MKS{"addr": lis.Addr().String(), "relay": relay.Name()})
		errc <- srv.Serve(lis)
	}()

	relayDone := relay.Done()
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-relayDone:
			log.Error(ctx, errors.Wrap(relay.Err(), "relay stopped, serving without events"),
				j.MKV{"cursor": relay.Cursor(), "state": relay.State().String()})
			relayDone = nil
		case err := <-errc:
			return errors.Wrap(err, "http server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}

	if relay.Started() {
		<-relay.Done()
	}
	return nil
}

func upstreamOpts(cfg *config.Config) []rgrpc.Option {
	opts := []rgrpc.Option{rgrpc.WithRequestName(cfg.Cursor.Name)}
	if cfg.Upstream.Token != "" {
		opts = append(opts, rgrpc.WithToken(cfg.Upstream.Token))
	}
	if cfg.Upstream.Insecure {
		opts = append(opts, rgrpc.WithInsecure())
	}
	if cfg.Upstream.BatchSize > 0 {
		opts = append(opts, rgrpc.WithBatchSize(cfg.Upstream.BatchSize))
	}
	return opts
}

func buildSinks(cfg *config.Config, closers *[]func()) ([]txrelay.Sink, error) {
	var sinks []txrelay.Sink
	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkWebsocket:
			sinks = append(sinks, rsink.NewWebsocketGroup("/ws"))

		case config.SinkSSE:
			sinks = append(sinks, rsink.NewSSE("/events"))

		case config.SinkNATS:
			nc, err := nats.Connect(cfg.NATS.URL,
				nats.Name(cfg.Cursor.Name),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(2*time.Second))
			if err != nil {
				return nil, errors.Wrap(err, "nats connect", j.KS("url", cfg.NATS.URL))
			}
			*closers = append(*closers, nc.Close)
			sinks = append(sinks, rsink.NewNATS(nc, cfg.NATS.Subject))

		case config.SinkRedis:
			rc, err := rsink.DialRedis(cfg.Redis.URL)
			if err != nil {
				return nil, err
			}
			*closers = append(*closers, func() { _ = rc.Close() })
			sinks = append(sinks, rsink.NewRedis(rc, cfg.Redis.Channel))

		default:
			return nil, errors.Wrap(config.ErrUnknownSink, "", j.KS("sink", name))
		}
	}
	return sinks, nil
}

// buildCursorStore returns the configured cursor store seeded with the
// start version, or nil if none is configured.
func buildCursorStore(ctx context.Context, cfg *config.Config, closers *[]func()) (txrelay.CursorStore, error) {
	var primary txrelay.CursorStore
	switch cfg.Cursor.Store {
	case "", config.StoreNone:
		return nil, nil

	case config.StoreMySQL:
		dbc, err := rsql.Connect(ctx, cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = dbc.Close() })

		table := rsql.NewCursorsTable("txrelay_cursors", rsql.WithCursorAsyncDisabled())
		if _, err := dbc.ExecContext(ctx, table.CreateTableSQL()); err != nil {
			return nil, errors.Wrap(err, "create cursors table")
		}
		primary = table.ToStore(dbc)

	case config.StoreBlob:
		s, err := openBlobStore(ctx, cfg.Blob.URL)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = s.Close() })
		primary = s

	default:
		return nil, errors.Wrap(config.ErrInvalidStore, "", j.KS("store", cfg.Cursor.Store))
	}

	seed := rpatterns.MemCursorStore(rpatterns.WithMemCursorInt(cfg.Cursor.Name, cfg.StartVersion))
	return rpatterns.ReadThroughCursorStore(primary, seed), nil
}

// openBlobStore opens s3 buckets with the default AWS config chain and
// any other url with the registered gocloud drivers.
func openBlobStore(ctx context.Context, urlstr string) (*rblob.CursorStore, error) {
	if !strings.HasPrefix(urlstr, "s3://") {
		return rblob.OpenCursorStore(ctx, urlstr)
	}

	u, err := url.Parse(urlstr)
	if err != nil {
		return nil, errors.Wrap(err, "parse blob url")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	var opts []rblob.Option
	if prefix := strings.Trim(u.Path, "/"); prefix != "" {
		opts = append(opts, rblob.WithPrefix(prefix))
	}
	return rblob.OpenS3CursorStore(ctx, s3.NewFromConfig(awsCfg), u.Host, opts...)
}
