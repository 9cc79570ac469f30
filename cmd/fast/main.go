// Command fast is the player-side client: it runs exploits on the tick
// schedule, ships captured flags to fastd and offers a small local command
// socket for firing exploits by hand.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fastad/fast/internal/client"
	"github.com/fastad/fast/internal/config"
	"github.com/fastad/fast/internal/exploit"
	"github.com/fastad/fast/internal/fallback"
	"github.com/fastad/fast/internal/logging"
	"github.com/fastad/fast/internal/teams"
)

const banner = `
  ⚡ fast
  flag acquisition and submission tool
`

const fallbackPath = ".fast/fallback.db"

func main() {
	configPath := flag.String("config", "fast.yaml", "path to fast.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "fire":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: fast fire <exploit>...")
			os.Exit(1)
		}
		os.Exit(fire(cfg, flag.Args()[1:]))
	case "submit":
		os.Exit(triggerSubmit(cfg))
	case "":
		fmt.Print(banner)
		logger, err := logging.New(*debug)
		if err != nil {
			fmt.Fprintln(os.Stderr, "building logger:", err)
			os.Exit(1)
		}
		defer logger.Sync()
		if err := run(*configPath, cfg, logger); err != nil {
			logger.Fatal("fast failed", zap.Error(err))
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.ClientConfig, logger *zap.Logger) error {
	if err := logging.EnsureLogDir(); err != nil {
		return err
	}

	fb, err := fallback.Open(fallbackPath)
	if err != nil {
		return err
	}
	defer fb.Close()

	c := client.New(cfg.Connect, fb, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, err := fetchConfig(ctx, c, logger)
	if err != nil {
		return err
	}
	format, err := regexp.Compile(remote.FlagFormat)
	if err != nil {
		return fmt.Errorf("server sent an invalid flag format: %w", err)
	}

	dir, hasDir, err := teams.Load("")
	if err != nil {
		logger.Warn("team directory is unreadable, auto targets disabled", zap.Error(err))
		hasDir = false
	}

	launcher := exploit.NewLauncher(exploit.LauncherOptions{
		Loader:     exploit.NewLoader(configPath, logger),
		Enqueuer:   c,
		Memo:       fb,
		Drainer:    c,
		Teams:      dir,
		HasTeams:   hasDir,
		OwnHosts:   remote.TeamIP,
		FlagFormat: format,
		Logger:     logger,
	})

	go listen(ctx, cfg.Listener, launcher, logger)

	// Align with the server's tick boundary before entering the loop.
	state, err := c.Sync(ctx)
	if err != nil {
		return err
	}
	logger.Info("synchronized with the server",
		zap.Int("tick", state.Tick.Current),
		zap.Float64("seconds_until_next", state.Tick.Remaining))
	select {
	case <-time.After(time.Duration(state.Tick.Remaining * float64(time.Second))):
	case <-ctx.Done():
		return nil
	}

	interval := time.Duration(remote.TickDuration) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started := launcher.LaunchTick(ctx)
		logger.Info("tick started", zap.Int("exploits", started))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	}
}

// fetchConfig retries until the server is reachable. Clients regularly
// start before the server during setup.
func fetchConfig(ctx context.Context, c *client.Client, logger *zap.Logger) (*client.RemoteConfig, error) {
	for {
		remote, err := c.FetchConfig(ctx)
		if err == nil {
			logger.Info("connected",
				zap.String("player", c.Player()),
				zap.Int("tick_duration", remote.TickDuration))
			return remote, nil
		}
		logger.Warn("server unreachable, retrying in 5s", zap.Error(err))
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// listen serves the local command socket used by "fast fire".
func listen(ctx context.Context, cfg config.ListenerConfig, launcher *exploit.Launcher, logger *zap.Logger) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("command socket unavailable", zap.String("addr", addr), zap.Error(err))
		return
	}
	logger.Info("command socket listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleConn(ctx, conn, launcher)
	}
}

func handleConn(ctx context.Context, conn net.Conn, launcher *exploit.Launcher) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "fire":
			started := launcher.Fire(ctx, fields[1:])
			fmt.Fprintf(conn, "Started %d exploits.\n", started)
		case "exit":
			return
		default:
			fmt.Fprint(conn, "Unknown command?\n")
		}
	}
}

// fire connects to a running fast instance and asks it to launch the
// named exploits immediately.
func fire(cfg *config.ClientConfig, names []string) int {
	addr := net.JoinHostPort(cfg.Listener.Host, strconv.Itoa(cfg.Listener.Port))
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach fast at %s, is it running?\n", addr)
		return 1
	}
	defer conn.Close()

	fmt.Fprintf(conn, "fire %s\n", strings.Join(names, " "))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		fmt.Fprintln(os.Stderr, "no reply from fast:", err)
		return 1
	}
	fmt.Print(reply)
	return 0
}

// triggerSubmit asks the server for an immediate submission and prints the
// resulting flag store counters.
func triggerSubmit(cfg *config.ClientConfig) int {
	c := client.New(cfg.Connect, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.TriggerSubmit(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "triggering submission:", err)
		return 1
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetching stats:", err)
		return 1
	}
	fmt.Printf("queued %d | accepted %d | rejected %d\n",
		stats.Queued, stats.Accepted, stats.Rejected)
	return 0
}
