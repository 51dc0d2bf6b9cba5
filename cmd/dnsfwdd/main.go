package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomstuff/dnsfwd/internal/dns/bootstrap"
	"github.com/randomstuff/dnsfwd/internal/dns/clock"
	"github.com/randomstuff/dnsfwd/internal/dns/config"
	"github.com/randomstuff/dnsfwd/internal/dns/listener"
	"github.com/randomstuff/dnsfwd/internal/dns/log"
	"github.com/randomstuff/dnsfwd/internal/dns/service"
)

const (
	version = "0.1.0-dev"
	appName = "dnsfwdd"

	defaultDialTimeout     = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Application holds every bound listener and the service they feed.
type Application struct {
	svc       *service.Service
	listeners []*listener.Listener
}

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.LogFormat, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":        version,
		"log_format":     cfg.LogFormat,
		"log_level":      cfg.LogLevel,
		"bind_udp":       cfg.BindUDP,
		"connect_tcp":    cfg.ConnectTCP,
		"pending_limit":  cfg.PendingLimit,
		"deferred_limit": cfg.DeferredLimit,
		"ttl_seconds":    cfg.TTLSeconds,
	}, "starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "failed to build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "server failed")
		os.Exit(1)
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs the service and every configured downstream
// listener, binding all of them before any is started. Binding concurrently
// via errgroup means one bad address fails fast alongside the others
// instead of after a serial sweep through the whole list.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger()
	clk := clock.RealClock{}

	svc := service.New(service.Config{
		ConnectTCP:    cfg.ConnectTCP[0],
		TTL:           cfg.TTL(),
		PendingLimit:  cfg.PendingLimit,
		DeferredLimit: cfg.DeferredLimit,
		DialTimeout:   defaultDialTimeout,
	}, time.Now().UnixNano(), clk, logger)

	if cfg.ListenFDs != nil {
		listeners, err := adoptListenFDListeners(cfg.ListenFDs, svc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to adopt inherited sockets: %w", err)
		}
		return &Application{svc: svc, listeners: listeners}, nil
	}

	listeners := make([]*listener.Listener, len(cfg.BindUDP))
	g := new(errgroup.Group)
	for i, addr := range cfg.BindUDP {
		i, addr := i, addr
		g.Go(func() error {
			l, err := listener.New(addr, svc, logger)
			if err != nil {
				return fmt.Errorf("binding %s: %w", addr, err)
			}
			listeners[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, l := range listeners {
			if l != nil {
				l.Close()
			}
		}
		return nil, fmt.Errorf("failed to bind downstream listeners: %w", err)
	}

	return &Application{svc: svc, listeners: listeners}, nil
}

// adoptListenFDListeners wraps every socket inherited via --listen-fds
// as a Listener, instead of binding fresh ones.
func adoptListenFDListeners(fdCfg *config.ListenFDsConfig, svc *service.Service, logger log.Logger) ([]*listener.Listener, error) {
	conns, err := bootstrap.AdoptUDPListenFDs(fdCfg)
	if err != nil {
		return nil, err
	}
	listeners := make([]*listener.Listener, len(conns))
	for i, conn := range conns {
		listeners[i] = listener.NewFromConn(conn.LocalAddr().String(), conn, svc, logger)
	}
	return listeners, nil
}

// Run starts the service and every listener, then blocks until ctx is
// cancelled.
func (app *Application) Run(ctx context.Context) error {
	app.svc.Start(ctx)
	for _, l := range app.listeners {
		l.Start(ctx)
		log.Info(map[string]any{"addr": l.Addr().String()}, "downstream listener started")
	}

	<-ctx.Done()
	log.Info(nil, "shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	for _, l := range app.listeners {
		if err := l.Close(); err != nil {
			log.Warn(map[string]any{"addr": l.Addr().String(), "error": err.Error()}, "error closing listener")
		}
	}

	done := make(chan struct{})
	go func() {
		for _, l := range app.listeners {
			<-l.Done()
		}
		app.svc.Shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		log.Info(nil, "graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}
