package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/vigil/internal/logger"
)

var (
	runStdin    bool
	runInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until interrupted",
	Long: "Detect rings, consolidate each completed window and checkpoint derived state on a " +
		"schedule. With --stdin, JSONL events read from standard input are ingested meanwhile.",
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "ingest JSONL events from stdin")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "scheduler period (default consolidation.window)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	every := runInterval
	if every == 0 {
		every = cfg.Consolidation.Window
	}
	if err := s.eng.StartScheduler(every); err != nil {
		return err
	}
	logger.Logger.Infow("vigil running", "db", s.db.Path, "backend", cfg.Storage.Backend, "interval", every)

	if runStdin {
		go func() {
			sum, stats, err := ingestStream(ctx, s.eng, "-")
			if err != nil && ctx.Err() == nil {
				logger.Logger.Errorw("stdin ingest stopped", "error", err)
			}
			logger.Logger.Infow("stdin closed", "accepted", sum.Accepted, "duplicates", sum.Duplicates,
				"rejected", len(sum.Rejected), "malformed", len(stats.Malformed))
		}()
	}

	<-ctx.Done()
	logger.Logger.Info("shutting down")
	s.eng.Stop()

	final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.eng.Checkpoint(final)
}
