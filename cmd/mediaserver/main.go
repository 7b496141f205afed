// Command mediaserver serves digitized works and runs maintenance actions
// on them.
//
// Usage:
//
//	mediaserver [-config mediaserver.yaml] [-log-level info] [command]
//
// Commands:
//
//	serve                                   HTTP file server and background loops (default)
//	perform <action> <workId>... [-param k=v] [-continue-on-error]
//	request <action> <workId>... [-param k=v]
//	perform-requested [-continue-on-error]
//	cache-clear [-work <id>] [-not-touched-since 3d]
//	mcp                                     MCP server on stdin/stdout
//
// Work ids accept '*' and '?' wildcards.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/mediaserver"
	"github.com/hazyhaar/pkg/kit"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "mediaserver.yaml", "path to the YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if err := run(ctx, logger, *configPath, cmd, args); err != nil {
		logger.Error("mediaserver: fatal", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: mediaserver [-config file] [-log-level level] [command]

commands:
  serve
  perform <action> <workId>... [-param k=v] [-continue-on-error]
  request <action> <workId>... [-param k=v]
  perform-requested [-continue-on-error]
  cache-clear [-work id] [-not-touched-since 3d]
  mcp`)
	flag.PrintDefaults()
}

func run(ctx context.Context, logger *slog.Logger, configPath, cmd string, args []string) error {
	cfg, err := mediaserver.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	s, err := mediaserver.New(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx = kit.WithTransport(ctx, "cli")
	switch cmd {
	case "serve":
		return serve(ctx, s)
	case "perform":
		return perform(ctx, s, args)
	case "request":
		return request(ctx, s, args)
	case "perform-requested":
		return performRequested(ctx, s, args)
	case "cache-clear":
		return cacheClear(ctx, s, args)
	case "mcp":
		srv := mcp.NewServer(&mcp.Implementation{Name: "mediaserver", Version: version}, nil)
		s.RegisterMCP(srv)
		return srv.Run(ctx, &mcp.StdioTransport{})
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func serve(ctx context.Context, s *mediaserver.Server) error {
	s.Start(ctx)
	return s.ListenAndServe(kit.WithTransport(ctx, "http"))
}

// paramFlag collects repeated -param k=v.
type paramFlag actions.Params

func (p paramFlag) String() string { return actions.Params(p).Key() }

func (p paramFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("want key=value, got %q", v)
	}
	p[strings.TrimSpace(k)] = val
	return nil
}

// parseInterspersed parses fs allowing flags between positional arguments
// and returns the positional ones.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

type actionArgs struct {
	name            string
	patterns        []string
	params          actions.Params
	continueOnError bool
}

func parseActionArgs(cmd string, args []string, withContinue bool) (*actionArgs, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	a := &actionArgs{params: actions.Params{}}
	fs.Var(paramFlag(a.params), "param", "action parameter key=value (repeatable)")
	if withContinue {
		fs.BoolVar(&a.continueOnError, "continue-on-error", false, "keep going after a failing work")
	}
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return nil, err
	}
	if len(pos) < 2 {
		return nil, fmt.Errorf("%s: want <action> <workId>...", cmd)
	}
	a.name, a.patterns = pos[0], pos[1:]
	return a, nil
}

func perform(ctx context.Context, s *mediaserver.Server, args []string) error {
	a, err := parseActionArgs("perform", args, true)
	if err != nil {
		return err
	}
	out, err := s.Perform(ctx, a.patterns, a.name, a.params, a.continueOnError)
	printJSON(out)
	if err == nil && a.continueOnError {
		for _, o := range out {
			if o.Error != "" {
				return errors.New("perform: some works failed")
			}
		}
	}
	return err
}

func request(ctx context.Context, s *mediaserver.Server, args []string) error {
	a, err := parseActionArgs("request", args, false)
	if err != nil {
		return err
	}
	recs, err := s.Request(ctx, a.patterns, a.name, a.params)
	printJSON(recs)
	return err
}

func performRequested(ctx context.Context, s *mediaserver.Server, args []string) error {
	fs := flag.NewFlagSet("perform-requested", flag.ContinueOnError)
	continueOnError := fs.Bool("continue-on-error", false, "keep going after a failing record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := s.PerformAllRequested(ctx, *continueOnError)
	printJSON(out)
	return err
}

func cacheClear(ctx context.Context, s *mediaserver.Server, args []string) error {
	fs := flag.NewFlagSet("cache-clear", flag.ContinueOnError)
	work := fs.String("work", "", "limit to one work id")
	since := fs.String("not-touched-since", "", "only files unused for this long, e.g. 3d, 12h")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var age time.Duration
	if *since != "" {
		var err error
		if age, err = mediaserver.ParseAge(*since); err != nil {
			return err
		}
	}
	stats, err := s.ClearCache(ctx, *work, age)
	if err != nil {
		return err
	}
	printJSON(stats)
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
