// Command fastd is the Fast server: it owns the flag store, the game
// clock, the submitter schedule and the HTTP API the clients talk to.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fastad/fast/internal/bus"
	"github.com/fastad/fast/internal/clock"
	"github.com/fastad/fast/internal/config"
	"github.com/fastad/fast/internal/logging"
	"github.com/fastad/fast/internal/server"
	"github.com/fastad/fast/internal/store"
	"github.com/fastad/fast/internal/submit"
	"github.com/fastad/fast/internal/telemetry"
)

const banner = `
  ⚡ fastd
  flag acquisition and submission tool
`

func main() {
	configPath := flag.String("config", "server.yaml", "path to server.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if flag.Arg(0) == "reset" {
		os.Exit(reset(*configPath))
	}

	fmt.Print(banner)

	logger, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("fastd failed", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if err := logging.EnsureLogDir(); err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	b := bus.New(256)

	start, _, err := cfg.Game.StartTime()
	if err != nil {
		return err
	}
	clk, err := clock.New(clock.Options{
		Start:    start,
		Duration: cfg.Game.TickInterval(),
		Bus:      b,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	metrics, err := telemetry.New()
	if err != nil {
		return err
	}

	submitFunc := submit.Command(submitterCommand(cfg.Submitter.Module))
	sched := submit.New(submit.Options{
		Store:    st,
		Bus:      b,
		Clock:    clk,
		Submit:   submitFunc,
		Metrics:  metrics,
		Logger:   logger,
		Delay:    cfg.Submitter.Delay,
		Interval: cfg.Submitter.Interval,
	})

	srv, err := server.New(server.Options{
		Config:    cfg,
		Store:     st,
		Clock:     clk,
		Scheduler: sched,
		Submit:    submitFunc,
		Bus:       b,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { clk.Run(ctx); return nil })
	g.Go(func() error { sched.Run(ctx); return nil })
	g.Go(func() error { return srv.Run(ctx) })

	logger.Info("game clock running",
		zap.Time("start", clk.Start()),
		zap.Int("tick", clk.Current()),
		zap.Duration("tick_duration", clk.Duration()))

	return g.Wait()
}

// submitterCommand resolves a bare module name to an executable in the
// working directory, matching how exploits are resolved on the client.
func submitterCommand(module string) string {
	if strings.ContainsRune(module, os.PathSeparator) {
		return module
	}
	return "./" + module
}

// reset clears game state between rounds. Destructive steps each want
// their own confirmation; the flag drop asks for a phrase nobody types by
// accident.
func reset(configPath string) int {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	in := bufio.NewReader(os.Stdin)

	fmt.Print("Reset the game clock? Type 'reset' to confirm: ")
	if answer, _ := in.ReadString('\n'); strings.TrimSpace(answer) == "reset" {
		if err := clock.Reset(""); err != nil {
			fmt.Fprintln(os.Stderr, "resetting clock:", err)
			return 1
		}
		fmt.Println("Game clock reset.")
	} else {
		fmt.Println("Skipped.")
	}

	fmt.Print("Drop all flags? Type ');drop table flags;--' to confirm: ")
	if answer, _ := in.ReadString('\n'); strings.TrimSpace(answer) == ");drop table flags;--" {
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "opening flag store:", err)
			return 1
		}
		defer st.Close()
		if err := st.DropFlags(); err != nil {
			fmt.Fprintln(os.Stderr, "dropping flags:", err)
			return 1
		}
		fmt.Println("Flags dropped.")
	} else {
		fmt.Println("Skipped.")
	}
	return 0
}
