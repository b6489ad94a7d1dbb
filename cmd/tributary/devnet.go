package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/edgedlt/tributary/internal/devnet"
	"github.com/edgedlt/tributary/tendermint"
)

type devnetFlags struct {
	validators     int
	silent         int
	processing     time.Duration
	latency        time.Duration
	noteInterval   time.Duration
	duration       time.Duration
	metricsAddress string
	logLevel       string
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "tributary",
		Short:        "Tributary BFT chains",
		SilenceUsage: true,
	}
	root.AddCommand(devnetCommand())
	return root
}

func devnetCommand() *cobra.Command {
	var flags devnetFlags
	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Runs validators of one chain in process, submitting notes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDevnet(cmd.Context(), flags)
		},
	}
	addDevnetFlags(cmd.Flags(), &flags)
	return cmd
}

func addDevnetFlags(fs *pflag.FlagSet, flags *devnetFlags) {
	timing := tendermint.DefaultTiming()
	fs.IntVar(&flags.validators, "validators", 4, "number of validators")
	fs.IntVar(&flags.silent, "silent", 0, "number of validators which never start")
	fs.DurationVar(&flags.processing, "block-processing", timing.BlockProcessingTime, "time allotted to process a block")
	fs.DurationVar(&flags.latency, "latency", timing.LatencyTime, "time allotted for a message to reach every validator")
	fs.DurationVar(&flags.noteInterval, "note-interval", 5*time.Second, "how often a validator submits a note (0 disables)")
	fs.DurationVar(&flags.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	fs.StringVar(&flags.metricsAddress, "metrics-address", ":9090", "address to serve /metrics on (empty disables)")
	fs.StringVar(&flags.logLevel, "log-level", "info", "log level")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func runDevnet(ctx context.Context, flags devnetFlags) error {
	if flags.silent < 0 || flags.silent >= flags.validators {
		return fmt.Errorf("--silent must be below --validators")
	}
	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	net, err := devnet.New(devnet.Config{
		Validators: flags.validators,
		Timing: tendermint.Timing{
			BlockProcessingTime: flags.processing,
			LatencyTime:         flags.latency,
		},
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := net.Close(); err != nil {
			logger.Error("failed to stop devnet", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flags.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.duration)
		defer cancel()
	}

	live := net.Nodes[flags.silent:]
	if err := net.Start(ctx, live...); err != nil {
		return err
	}
	logger.Info("started devnet",
		zap.String("genesis", fmt.Sprintf("%x", net.Genesis)),
		zap.Int("validators", flags.validators),
		zap.Int("silent", flags.silent))

	g, ctx := errgroup.WithContext(ctx)
	if flags.metricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(ctx, flags.metricsAddress, registry, logger)
		})
	}
	g.Go(func() error {
		return logBlocks(ctx, live[0], logger)
	})
	if flags.noteInterval > 0 {
		g.Go(func() error {
			return submitNotes(ctx, net, live, flags.noteInterval, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdown)
	}()

	logger.Info("serving metrics", zap.String("address", addr), zap.String("endpoint", "/metrics"))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// logBlocks logs every block node finalizes.
func logBlocks(ctx context.Context, node *devnet.Node, logger *zap.Logger) error {
	sub := node.Tributary.Subscribe(1)
	for {
		block, number, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		hash := block.Header.Hash()
		commit, _ := node.Tributary.ParsedCommit(hash)
		logger.Info("finalized block",
			zap.Uint64("number", number),
			zap.String("hash", fmt.Sprintf("%x", hash[:8])),
			zap.Int("transactions", len(block.Transactions)),
			zap.Int("signers", len(commit.Validators)))
	}
}

// submitNotes has the live validators take turns submitting a note.
func submitNotes(ctx context.Context, net *devnet.Network, live []*devnet.Node, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		node := live[i%len(live)]
		nonce, ok := node.Tributary.NextNonce(node.Key.Public())
		if !ok {
			return fmt.Errorf("node %d isn't a participant", node.Index)
		}
		text := fmt.Sprintf("note %d from node %d", i, node.Index)
		note := devnet.NewNote(net.Genesis, node.Key, nonce, []byte(text))
		if _, err := node.Tributary.AddTransaction(note); err != nil {
			logger.Warn("could not submit note", zap.Int("node", node.Index), zap.Error(err))
			continue
		}
		logger.Debug("submitted note", zap.Int("node", node.Index), zap.Uint32("nonce", nonce))
	}
}
