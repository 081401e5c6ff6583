// Command luabridge talks to a Lua target from the command line.
//
//	luabridge [flags] call <method> [params-json]
//	luabridge [flags] exec <lua code | ->
//	luabridge [flags] watch <method>...
//	luabridge [flags] scripts | closures
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lua-bridge/bridge"
	"lua-bridge/config"
	"lua-bridge/connection"
	"lua-bridge/inspector"
	"lua-bridge/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		host       string
		port       int
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&host, "host", "", "Target host (overrides config)")
	flag.IntVar(&port, "port", 0, "Target port (overrides config)")
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(bridge.Options{Config: cfg, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer b.Dispose()

	if err := b.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := dispatch(ctx, b, logger, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, b *bridge.Bridge, logger *zap.Logger, args []string) error {
	switch args[0] {
	case "call":
		if len(args) < 2 {
			return errors.New("call needs a method name")
		}
		var params any
		if len(args) > 2 {
			raw := json.RawMessage(args[2])
			if !json.Valid(raw) {
				return fmt.Errorf("params are not valid JSON: %s", args[2])
			}
			params = raw
		}
		result, err := b.Call(ctx, args[1], params)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "exec":
		if len(args) < 2 {
			return errors.New("exec needs lua code, or - to read stdin")
		}
		code := strings.Join(args[1:], " ")
		if code == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			code = string(data)
		}
		res, err := inspector.NewExecutor(b).Execute(ctx, code)
		if err != nil {
			return err
		}
		if res.Output != "" {
			fmt.Println(res.Output)
		}
		if !res.Success {
			return fmt.Errorf("lua: %s", res.Error)
		}
		return nil

	case "scripts":
		list, err := inspector.NewScripts(b).List(ctx)
		if err != nil {
			return err
		}
		for _, s := range list {
			fmt.Printf("%-24s %6d lines  %s\n", s.Name, s.Lines, s.LoadedAt.Format("15:04:05"))
		}
		return nil

	case "closures":
		list, err := inspector.NewClosures(b).List(ctx)
		if err != nil {
			return err
		}
		for _, c := range list {
			fmt.Printf("%-32s params=%d vararg=%t upvalues=%d %s:%d\n", c.Name, c.Params, c.Vararg, c.Upvalues, c.Source, c.Line)
		}
		return nil

	case "watch":
		if len(args) < 2 {
			return errors.New("watch needs at least one method")
		}
		return watch(ctx, b, logger, args[1:])
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// watch prints notifications for methods until ctx is cancelled or the bridge gives up
// reconnecting.
func watch(ctx context.Context, b *bridge.Bridge, logger *zap.Logger, methods []string) error {
	type event struct {
		method string
		params json.RawMessage
	}
	events := make(chan event, 64)
	for _, m := range methods {
		method := m
		dispose := b.OnNotification(method, func(params json.RawMessage) {
			select {
			case events <- event{method, params}:
			default:
				logger.Warn("watch output is behind, dropping notification", zap.String("method", method))
			}
		})
		defer dispose()
	}
	states := make(chan connection.State, 16)
	dispose := b.OnStateChange(func(from, to connection.State) {
		select {
		case states <- to:
		default:
		}
	})
	defer dispose()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				fmt.Printf("%s %s\n", ev.method, ev.params)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-states:
				fmt.Fprintf(os.Stderr, "connection: %s\n", s)
				if s == connection.Disconnected {
					return errors.New("connection closed and reconnecting gave up")
				}
			}
		}
	})
	return g.Wait()
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: luabridge [flags] <command> [args]

Commands:
  call <method> [params-json]   Call a method and print the result
  exec <lua code | ->           Execute Lua code on the target
  scripts                       List loaded scripts
  closures                      List Lua functions reachable from globals
  watch <method>...             Print notifications until interrupted

Flags:
`)
	flag.PrintDefaults()
}
