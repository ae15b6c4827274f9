package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/risa-org/duplex/client"
	"github.com/risa-org/duplex/config"
	"github.com/risa-org/duplex/logger"
	"github.com/risa-org/duplex/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 5 * time.Second
	flushTimeout    = 2 * time.Second
)

var errNoURL = errors.New("no url given: pass one as an argument or set url in the config file")

type connectFlags struct {
	configPath  string
	backend     string
	logLevel    string
	metricsAddr string
}

func newConnectCmd() *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:     ConnectCmdLiteral + " [url]",
		Short:   "Connect to an endpoint and relay stdin/stdout",
		Long:    "Opens a connection that survives drops. Each stdin line is queued as a text message; received messages are printed as they arrive.",
		Example: ConnectCmdExample,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.resolve(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "path to a TOML config file")
	flags.StringVarP(&f.backend, "backend", "b", "", "transport backend: websocket, gorilla or tcp")
	flags.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

// resolve loads the config file and environment, then applies flags and
// the url argument on top.
func (f connectFlags) resolve(args []string) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		cfg.URL = args[0]
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = f.metricsAddr
	}
	if cfg.URL == "" {
		return nil, errNoURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// printer serialises writes from event callbacks
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func runConnect(ctx context.Context, cfg *config.Config, in io.Reader, out, errOut io.Writer) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		r := prometheus.NewRegistry()
		reg = r
		srv := metrics.NewServer(cfg.Metrics.Addr, r, log)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Stop(sctx)
		}()
	}

	opts, err := cfg.ClientOptions(log, reg)
	if err != nil {
		return err
	}
	c, err := client.New(cfg.URL, opts)
	if err != nil {
		return err
	}

	stdout := &printer{out: out}
	stderr := &printer{out: errOut}
	c.OnOpened(func() { stderr.printf("# connected to %s\n", cfg.URL) })
	c.OnMessage(func(text string) { stdout.printf("%s\n", text) })
	c.OnData(func(b []byte) { stdout.printf("# %d bytes of binary data\n", len(b)) })
	c.OnError(func(err error) { stderr.printf("# error: %v\n", err) })
	c.OnSendFailed(func(payload string, err error) {
		stderr.printf("# failed to send %q: %v\n", payload, err)
	})

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return errors.New("connection monitor stopped")
		case line, ok := <-lines:
			if !ok {
				log.Debug("Input closed, flushing", zap.Int("queue_length", c.QueueLength()))
				flush(ctx, c, flushTimeout)
				return nil
			}
			if !c.Send(line) {
				stderr.printf("# not sent: connection not ready or queue full\n")
			}
		}
	}
}

// flush waits for the queue to empty, at most timeout.
func flush(ctx context.Context, c *client.Client, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for c.QueueLength() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
