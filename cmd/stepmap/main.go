package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/akmistry/stepmap/internal/app/stepmap"
	"github.com/akmistry/stepmap/internal/config"
	"github.com/akmistry/stepmap/internal/server"
	"github.com/akmistry/stepmap/internal/store"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.ReadConfig(cCtx.String("config"))
	if err != nil {
		return nil, err
	}
	if cCtx.IsSet("data-dir") {
		cfg.DataDir = cCtx.String("data-dir")
	}
	if cCtx.IsSet("default-value") {
		cfg.DefaultValue = cCtx.String("default-value")
	}
	if cCtx.IsSet("verbose") {
		cfg.Verbose = cCtx.Bool("verbose")
	}
	if cCtx.IsSet("listen") {
		cfg.Listen = cCtx.String("listen")
	}
	if cfg.Verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(
			os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	return cfg, nil
}

// withStore runs fn on the configured store and closes it afterwards.
func withStore(cCtx *cli.Context, fn func(s *store.Store) error) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	s, err := stepmap.OpenStore(cfg, nil)
	if err != nil {
		return err
	}
	err = fn(s)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func assignAction(cCtx *cli.Context) error {
	if cCtx.NArg() != 3 {
		return errors.New("usage: stepmap assign BEGIN END VALUE")
	}
	begin, end, err := stepmap.ParseInterval(cCtx.Args().Get(0), cCtx.Args().Get(1))
	if err != nil {
		return err
	}
	value := cCtx.Args().Get(2)
	return withStore(cCtx, func(s *store.Store) error {
		return s.Assign(begin, end, value)
	})
}

func getAction(cCtx *cli.Context) error {
	if cCtx.NArg() == 0 {
		return errors.New("at least one key is required")
	}
	keys := make([]int64, 0, cCtx.NArg())
	for _, arg := range cCtx.Args().Slice() {
		key, err := stepmap.ParseKey(arg)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	return withStore(cCtx, func(s *store.Store) error {
		for _, key := range keys {
			fmt.Fprintf(cCtx.App.Writer, "%d\t%s\n", key, s.Get(key))
		}
		return nil
	})
}

func dumpAction(cCtx *cli.Context) error {
	from, to := int64(math.MinInt64), int64(math.MaxInt64)
	var err error
	if cCtx.IsSet("from") {
		if from, err = stepmap.ParseKey(cCtx.String("from")); err != nil {
			return err
		}
	}
	if cCtx.IsSet("to") {
		if to, err = stepmap.ParseKey(cCtx.String("to")); err != nil {
			return err
		}
	}

	return withStore(cCtx, func(s *store.Store) error {
		fmt.Fprintf(cCtx.App.Writer, "default\t%s\n", s.Default())
		if !cCtx.Bool("runs") {
			for _, bp := range s.Breakpoints() {
				fmt.Fprintf(cCtx.App.Writer, "%d\t%s\n", bp.Key, bp.Value)
			}
			return nil
		}
		for _, r := range stepmap.Runs(s.Default(), s.Breakpoints(), from, to) {
			fmt.Fprintf(cCtx.App.Writer, "%d\t%d\t%s\n", r.Begin, r.End, r.Value)
		}
		return nil
	})
}

func snapshotAction(cCtx *cli.Context) error {
	return withStore(cCtx, func(s *store.Store) error {
		return s.Snapshot()
	})
}

func serveAction(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := stepmap.OpenStore(cfg, reg)
	if err != nil {
		return err
	}
	defer s.Close()

	srv, err := server.New(s, reg)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Serving on %s", cfg.Listen)
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Print("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	var stopProfile func()
	app := &cli.App{
		Name:  "stepmap",
		Usage: "Durable interval map of int64 keys to string values",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "stepmap.toml",
				Usage:   "Path to TOML config file",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory holding journals and local blobs",
			},
			&cli.StringFlag{
				Name:  "default-value",
				Usage: "Value of every key in a new store",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Verbose logging",
			},
			&cli.StringFlag{
				Name:  "cpuprofile",
				Usage: "Write cpu profile to file",
			},
		},
		Before: func(cCtx *cli.Context) error {
			if path := cCtx.String("cpuprofile"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				pprof.StartCPUProfile(f)
				stopProfile = func() {
					pprof.StopCPUProfile()
					f.Close()
				}
			}
			return nil
		},
		After: func(cCtx *cli.Context) error {
			if stopProfile != nil {
				stopProfile()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "assign",
				Usage:     "Set every key in [BEGIN, END) to VALUE",
				UsageText: "stepmap assign BEGIN END VALUE",
				Action:    assignAction,
			},
			{
				Name:      "get",
				Usage:     "Look up the value of one or more keys",
				UsageText: "stepmap get KEY [KEY...]",
				Action:    getAction,
			},
			{
				Name:  "dump",
				Usage: "Print the default value and every breakpoint",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "runs",
						Usage: "Print [BEGIN, END) runs of non-default values instead of breakpoints",
					},
					&cli.StringFlag{
						Name:  "from",
						Usage: "With --runs, first key to print",
					},
					&cli.StringFlag{
						Name:  "to",
						Usage: "With --runs, end of the keys to print (exclusive)",
					},
				},
				Action: dumpAction,
			},
			{
				Name:   "snapshot",
				Usage:  "Write a snapshot and remove superseded journals",
				Action: snapshotAction,
			},
			{
				Name:  "serve",
				Usage: "Serve the store over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Address to listen on",
					},
				},
				Action: serveAction,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
