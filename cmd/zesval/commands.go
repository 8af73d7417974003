package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	figure "github.com/common-nighthawk/go-figure"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fxnlabs/zesval/fixtures"
	"github.com/fxnlabs/zesval/internal/layer"
	"github.com/fxnlabs/zesval/internal/metrics"
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/workload"
)

const stopTimeout = 10 * time.Second

// runReport is what run prints.
type runReport struct {
	Summary  workload.Summary  `json:"summary"`
	Misuse   map[string]string `json:"misuse,omitempty"`
	Teardown layer.Report      `json:"teardown"`
}

// withApp starts the fx app, hands the layer and runner to fn and stops
// the app again.
func withApp(ctx context.Context, env *environment, fn func(l *layer.Layer, r *workload.Runner) error) error {
	var (
		l *layer.Layer
		r *workload.Runner
	)
	app := fx.New(
		appOptions(env.cfg, env.log),
		fx.Populate(&l, &r),
	)
	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(l, r)
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return errors.Join(runErr, app.Stop(stopCtx))
}

func runCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Walk every driver, device and component once and report leaks",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "misuse", Usage: "Also make calls a buggy application would make"},
			&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c.Context, env, func(l *layer.Layer, r *workload.Runner) error {
				var rep runReport
				sum, err := r.Walk(c.Context)
				rep.Summary = sum
				if err != nil {
					return err
				}
				if c.Bool("misuse") {
					results, err := r.Misuse(c.Context)
					if err != nil {
						return err
					}
					rep.Misuse = make(map[string]string, len(results))
					for name, res := range results {
						rep.Misuse[name] = res.String()
					}
				}
				rep.Teardown = l.Teardown()
				return printRunReport(c.App.Writer, rep, c.Bool("json"))
			})
		},
	}
}

func printRunReport(w io.Writer, rep runReport, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}
	fmt.Fprintf(w, "calls: %d drivers: %d devices: %d component handles: %d\n",
		rep.Summary.Calls, rep.Summary.Drivers, rep.Summary.Devices, rep.Summary.Handles)
	for name, res := range rep.Misuse {
		fmt.Fprintf(w, "misuse %q: %s\n", name, res)
	}
	if rep.Teardown.Clean() {
		fmt.Fprintln(w, "no leaks suspected")
		return nil
	}
	for _, s := range rep.Teardown.Suspects {
		fmt.Fprintf(w, "leak suspected: %s\n", s)
	}
	return nil
}

func stressCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "stress",
		Usage: "Walk the layer from several goroutines at once",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "Concurrent walkers"},
			&cli.IntFlag{Name: "iterations", Value: 10, Usage: "Walks per worker"},
			&cli.Float64Flag{Name: "rate", Usage: "Walks per second across all workers; 0 is unlimited"},
		},
		Action: func(c *cli.Context) error {
			workers, iterations := c.Int("workers"), c.Int("iterations")
			if workers < 1 || iterations < 1 {
				return fmt.Errorf("workers and iterations must be positive, got %d and %d", workers, iterations)
			}
			return withApp(c.Context, env, func(l *layer.Layer, r *workload.Runner) error {
				var limiter *rate.Limiter
				if perSecond := c.Float64("rate"); perSecond > 0 {
					limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
				}
				total, err := stress(c.Context, r, workers, iterations, limiter)
				if err != nil {
					return err
				}
				rep := l.Teardown()
				env.log.Info("Stress finished",
					zap.Int("workers", workers),
					zap.Int("iterations", iterations),
					zap.Int("calls", total.Calls),
					zap.Int("suspects", len(rep.Suspects)))
				return printRunReport(c.App.Writer, runReport{Summary: total, Teardown: rep}, false)
			})
		},
	}
}

// stress walks r from workers goroutines, iterations times each. A nil
// limiter does not throttle.
func stress(ctx context.Context, r *workload.Runner, workers, iterations int, limiter *rate.Limiter) (workload.Summary, error) {
	var (
		mu    sync.Mutex
		total workload.Summary
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < iterations; j++ {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				}
				sum, err := r.Walk(ctx)
				mu.Lock()
				total.Merge(sum)
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return total, err
}

func serveCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve metrics and layer status while walking the layer periodically",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: 15 * time.Second, Usage: "Time between walks; 0 disables them"},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			app := fx.New(
				appOptions(env.cfg, env.log),
				fx.Provide(func(reg *prometheus.Registry, m *metrics.Metrics, l *layer.Layer, r *workload.Runner) *server {
					return newServer(env.cfg, reg, m, l, r, env.log, interval)
				}),
				fx.Invoke(registerServer),
			)
			if err := app.Start(c.Context); err != nil {
				return err
			}
			sig := <-app.Wait()
			env.log.Info("Shutting down", zap.Int("exitCode", sig.ExitCode))
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a config file with the default settings",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "zesval.yaml", Usage: "Where to write the config"},
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			return writeTemplate(c.String("output"), c.Bool("force"))
		},
	}
}

func writeTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.WriteFile(path, fixtures.ConfigTemplate, 0o644)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, figure.NewFigure("zesval", "", true).String())
			fmt.Fprintf(c.App.Writer, "zesval %s\n", version)
			fmt.Fprintf(c.App.Writer, "entry points: %d\n", len(sysman.Signatures()))
			return nil
		},
	}
}
