package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/duplex/consts"
	"github.com/ozontech/duplex/handler"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/report/accesslog"
	"github.com/ozontech/duplex/report/multi"
	"github.com/ozontech/duplex/report/noop"
	"github.com/ozontech/duplex/report/prom"
	"github.com/ozontech/duplex/report/rate"
	"github.com/ozontech/duplex/server"
)

type ServeCommand struct {
	Addr      string `default:"127.0.0.1:8080" env:"DUPLEX_ADDR" help:"Listen address."`
	DebugAddr string `placeholder:"127.0.0.1:8081" help:"Debug listener address serving pprof and /metrics."`

	IdleTimeout     time.Duration `default:"2m" help:"Time to wait for the next request on an idle connection."`
	ReadTimeout     time.Duration `default:"11s" help:"Read timeout of request bodies."`
	WriteTimeout    time.Duration `default:"11s" help:"Write timeout of response parts."`
	ShutdownTimeout time.Duration `default:"10s" help:"Time given to exchanges in progress on shutdown."`
	ChunkSize       int           `default:"16384" help:"HTTP/1 body chunk size."`

	MaxConcurrentStreams uint32 `group:"http2" default:"250" help:"Streams per connection."`
	InitialWindowSize    uint32 `group:"http2" default:"65535" help:"Stream flow control window."`
	MaxFrameSize         uint32 `group:"http2" default:"16384" help:"Largest frame payload accepted."`
	MaxHeaderListSize    uint32 `group:"http2" default:"1048576" help:"Largest header list accepted."`

	AccessLog    bool          `group:"report" help:"Log every exchange."`
	RateInterval time.Duration `group:"report" help:"Log throughput with this period (disabled when zero)."`

	Verbose bool `short:"v" help:"Verbose output"`
}

func (c *ServeCommand) Config() server.Config {
	cfg := server.DefaultConfig()
	cfg.IdleTimeout = c.IdleTimeout
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.ShutdownTimeout = c.ShutdownTimeout
	cfg.ChunkSize = c.ChunkSize
	cfg.MaxConcurrentStreams = c.MaxConcurrentStreams
	cfg.InitialWindowSize = c.InitialWindowSize
	cfg.MaxFrameSize = c.MaxFrameSize
	cfg.MaxHeaderListSize = c.MaxHeaderListSize
	return cfg
}

func (c *ServeCommand) Validate() error {
	if c.MaxFrameSize < consts.DefaultMaxFrameSize || c.MaxFrameSize > 1<<24-1 {
		return fmt.Errorf("--max-frame-size must be within [%d, %d]", consts.DefaultMaxFrameSize, 1<<24-1)
	}
	if c.InitialWindowSize > 1<<31-1 {
		return errors.New("--initial-window-size must not exceed 2^31-1")
	}
	if c.ChunkSize <= 0 {
		return errors.New("--chunk-size must be positive")
	}
	return nil
}

func (c *ServeCommand) Run(ctx context.Context) error {
	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}
	defer log.Sync() //nolint:errcheck

	var (
		reg       *prometheus.Registry
		reporters []pipeline.Reporter
	)
	// metrics are collected only when there is a listener to expose them
	if c.DebugAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reporters = append(reporters, prom.New(reg))
	}
	if c.AccessLog {
		reporters = append(reporters, accesslog.New(log))
	}
	if c.RateInterval > 0 {
		reporters = append(reporters, rate.New(log, c.RateInterval))
	}
	if len(reporters) == 0 {
		reporters = append(reporters, noop.New())
	}
	reporter := multi.New(reporters...)

	l, err := new(net.ListenConfig).Listen(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Addr, err)
	}

	srv := server.New(
		handler.NewApp(log),
		c.Config(),
		server.WithLogger(log),
		server.WithReporter(reporter),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(reporter.Run)
	if c.DebugAddr != "" {
		g.Go(func() error {
			return serveDebug(gCtx, c.DebugAddr, reg, log)
		})
	}
	g.Go(func() error {
		err := srv.Serve(gCtx, l)
		if cerr := reporter.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close reporter: %w", cerr))
		}
		return err
	})

	defer memStats(log)
	return g.Wait()
}

func serveDebug(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: consts.DefaultTimeout}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("debug server shutdown", zap.Error(err))
		}
	})
	defer stop()

	log.Info("debug server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}

func memStats(log *zap.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Info(
		"memory stats",
		zap.Uint64("Alloc (MiB)", bToMb(m.Alloc)),
		zap.Uint64("TotalAlloc (MiB)", bToMb(m.TotalAlloc)),
		zap.Uint64("Sys (MiB)", bToMb(m.Sys)),
		zap.Uint64("HeapInuse (MiB)", bToMb(m.HeapInuse)),
		zap.Uint32("NumGC (count)", m.NumGC),
	)
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
