// Command usagebar polls AI assistant usage quotas and renders them for
// a status bar, the terminal, a Prometheus scraper or an MCP client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/exporter"
	"github.com/rmax-ai/usagebar/pkg/fetch"
	"github.com/rmax-ai/usagebar/pkg/mcp"
	"github.com/rmax-ai/usagebar/pkg/provider"
	"github.com/rmax-ai/usagebar/pkg/provider/claude"
	"github.com/rmax-ai/usagebar/pkg/provider/codex"
	"github.com/rmax-ai/usagebar/pkg/render"
	"github.com/rmax-ai/usagebar/pkg/store"
	"github.com/rmax-ai/usagebar/pkg/tui"
)

var (
	Version   = "v0.3.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage: usagebar <command> [flags]

Commands:
  claude     print Claude usage (default: colored terminal line)
  codex      print Codex usage (default: colored terminal line)
  history    show recent usage observations
  watch      live terminal dashboard
  serve      Prometheus exporter
  mcp        MCP server on stdio
  version    print version
`

func main() {
	log.SetFlags(0)
	log.SetPrefix("usagebar: ")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "claude":
		err = runProvider(cfg, claude.New(), args)
	case "codex":
		err = runProvider(cfg, codex.New(), args)
	case "history":
		err = runHistory(cfg, args)
	case "watch":
		err = runWatch(cfg, args)
	case "serve":
		err = runServe(cfg, args)
	case "mcp":
		err = runMCP(cfg)
	case "version":
		fmt.Printf("usagebar %s (%s, built %s)\n", Version, Commit, BuildTime)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

// newFetcher wires the cache, lock and (best-effort) history store. The
// store is optional: render output must still work when the DB is
// unavailable.
func newFetcher(cfg Config) (*fetch.Fetcher, func(), error) {
	c, err := cache.New(cfg.CacheDir, cache.WithTTL(cfg.TTL))
	if err != nil {
		return nil, nil, fmt.Errorf("init cache: %w", err)
	}
	l := cache.NewLock(cfg.CacheDir)

	opts := []fetch.Option{}
	cleanup := func() {}
	if st, err := store.New(cfg.DBPath); err != nil {
		log.Printf("history store unavailable: %v", err)
	} else {
		opts = append(opts, fetch.WithHistory(st))
		cleanup = func() {
			if err := st.Close(); err != nil {
				log.Printf("close history store: %v", err)
			}
		}
	}

	return fetch.New(c, l, opts...), cleanup, nil
}

func runProvider(cfg Config, prov provider.Provider, args []string) error {
	flagSet := flag.NewFlagSet(string(prov.ID()), flag.ContinueOnError)
	waybar := flagSet.Bool("waybar", false, "emit Waybar JSON")
	format := flagSet.String("format", "", "custom text template")
	tooltipFormat := flagSet.String("tooltip-format", "", "custom tooltip template")
	show5h := flagSet.Bool("show-5h", false, "always display the 5-hour window")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	fetcher, cleanup, err := newFetcher(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry := fetcher.Fetch(ctx, prov)
	now := time.Now()
	opts := render.Options{
		Show5h:        *show5h,
		Format:        *format,
		TooltipFormat: *tooltipFormat,
	}

	switch {
	case *waybar:
		out, err := json.Marshal(render.Waybar(entry, opts, now))
		if err != nil {
			return fmt.Errorf("encode waybar output: %w", err)
		}
		fmt.Println(string(out))
	case *format != "":
		fmt.Println(render.Format(*format, render.BuildFields(entry, opts, now)))
	default:
		fmt.Println(render.CLI(entry, now))
	}
	return nil
}

func runHistory(cfg Config, args []string) error {
	flagSet := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := flagSet.Int("n", 20, "number of observations to show")
	prune := flagSet.Duration("prune", 0, "delete observations older than this age before listing")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var id provider.ID
	if flagSet.NArg() > 0 {
		id = provider.ID(flagSet.Arg(0))
		if id != provider.Claude && id != provider.Codex {
			return fmt.Errorf("unknown provider: %q", id)
		}
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer st.Close()

	if *prune > 0 {
		removed, err := st.Prune(time.Now().Add(-*prune))
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		if removed > 0 {
			fmt.Printf("pruned %d observations\n", removed)
		}
	}

	observations, err := st.Recent(id, *limit)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	if len(observations) == 0 {
		fmt.Println("no observations recorded yet")
		return nil
	}

	fmt.Printf("%-20s %-8s %-14s %6s %6s\n", "FETCHED", "PROVIDER", "STATUS", "5H%", "7D%")
	for _, o := range observations {
		fmt.Printf("%-20s %-8s %-14s %6.1f %6.1f\n",
			o.FetchedAt.Local().Format("2006-01-02 15:04:05"),
			o.Provider, o.Status, o.FiveHourPct, o.SevenDayPct)
	}
	return nil
}

func runWatch(cfg Config, args []string) error {
	flagSet := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := flagSet.Duration("interval", cfg.Interval, "refresh interval")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", *interval)
	}

	fetcher, cleanup, err := newFetcher(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	return tui.Run(fetcher, allProviders(), *interval)
}

func runServe(cfg Config, args []string) error {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := flagSet.String("addr", cfg.Addr, "metrics listen address")
	interval := flagSet.Duration("interval", cfg.Interval, "poll interval")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", *interval)
	}

	fetcher, cleanup, err := newFetcher(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("serving metrics on %s", *addr)
	return exporter.New(fetcher, allProviders(), *addr, *interval).Run(ctx)
}

func runMCP(cfg Config) error {
	fetcher, cleanup, err := newFetcher(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	return mcp.NewServer(Version, fetcher, allProviders()).Serve()
}

func allProviders() []provider.Provider {
	return []provider.Provider{claude.New(), codex.New()}
}
