// Command luatarget serves a sandboxed Lua runtime over WebSocket so luabridge can
// drive it. With -etcd it publishes itself for discovery under -name.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lua-bridge/logging"
	"lua-bridge/middleware"
	"lua-bridge/registry"
	"lua-bridge/server"
	"lua-bridge/target"
	"lua-bridge/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr        string
		path        string
		name        string
		advertise   string
		etcd        string
		ttl         int64
		execTimeout time.Duration
		reqTimeout  time.Duration
		logLevel    string
		dev         bool
	)
	flag.StringVar(&addr, "addr", ":8765", "Listen address")
	flag.StringVar(&path, "path", "/", "WebSocket path")
	flag.StringVar(&name, "name", "target", "Name published for discovery")
	flag.StringVar(&advertise, "advertise", "", "Endpoint published for discovery (default: listener address)")
	flag.StringVar(&etcd, "etcd", "", "Comma-separated etcd endpoints; enables discovery")
	flag.Int64Var(&ttl, "ttl", 10, "Discovery lease TTL in seconds")
	flag.DurationVar(&execTimeout, "exec-timeout", target.DefaultExecTimeout, "Upper bound for one execute or load_script")
	flag.DurationVar(&reqTimeout, "request-timeout", 2*target.DefaultExecTimeout, "Upper bound for one request, including the wait for the Lua state")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
	flag.BoolVar(&dev, "dev", false, "Development logging")
	flag.Parse()

	logger, err := logging.New(logLevel, dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	l, err := transport.ListenWebSocket(addr, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen %s: %v\n", addr, err)
		return 1
	}
	if advertise == "" {
		advertise = l.Addr()
	}

	opts := []server.Option{server.WithLogger(logging.Named(logger, "server"))}
	if etcd != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(etcd, ","), logging.Named(logger, "etcd"))
		if err != nil {
			l.Close()
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, registry.Instance{Name: name, Addr: advertise, Weight: 1}, ttl))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.Logging(logging.Named(logger, "rpc")))
	if reqTimeout > 0 {
		svr.Use(middleware.Timeout(reqTimeout))
	}

	rt := target.NewRuntime(
		target.WithNotifier(svr),
		target.WithExecTimeout(execTimeout),
		target.WithLogger(logging.Named(logger, "lua")),
	)
	defer rt.Close()
	if err := svr.Register(target.NewService(rt)); err != nil {
		l.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.Serve(ctx, l)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return svr.Shutdown(5 * time.Second)
	})

	logger.Info("lua target ready",
		zap.String("addr", l.Addr()),
		zap.Strings("methods", svr.Methods()))

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
