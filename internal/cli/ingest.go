package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/vigil/internal/engine"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/intake"
	"github.com/lazypower/vigil/internal/logger"
)

const ingestChunk = 1024

var ingestVerbose bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [file|-]",
	Short: "Ingest JSONL behavioral events",
	Long:  "Read one event per line from a file, or stdin when the argument is '-' or absent, and append them to the evidence log.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().BoolVarP(&ingestVerbose, "verbose", "v", false, "list every rejected record")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sum, stats, err := ingestStream(ctx, s.eng, path)
	if err != nil {
		return err
	}
	s.eng.Wait()
	if err := s.eng.Checkpoint(ctx); err != nil {
		logger.Logger.Warnw("checkpoint after ingest failed", "error", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "accepted %d, duplicates %d, rejected %d, failed %d, malformed lines %d\n",
		sum.Accepted, sum.Duplicates, len(sum.Rejected), len(sum.Failed), len(stats.Malformed))
	if ingestVerbose {
		for _, m := range stats.Malformed {
			fmt.Fprintf(out, "  %s\n", m.Error())
		}
		for _, r := range append(sum.Rejected, sum.Failed...) {
			fmt.Fprintf(out, "  record %d (%s): %s\n", r.Index, r.ID, r.Error)
		}
	}
	return nil
}

// ingestStream decodes path in chunks so arbitrarily long streams never sit
// in memory at once. Rejection indexes are record positions in the stream.
func ingestStream(ctx context.Context, eng *engine.Engine, path string) (engine.Summary, intake.Stats, error) {
	var (
		total engine.Summary
		chunk []evidence.Event
		seen  int
	)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		sum, err := eng.IngestBatch(ctx, chunk)
		total.Accepted += sum.Accepted
		total.Duplicates += sum.Duplicates
		for _, r := range sum.Rejected {
			r.Index += seen
			total.Rejected = append(total.Rejected, r)
		}
		for _, r := range sum.Failed {
			r.Index += seen
			total.Failed = append(total.Failed, r)
		}
		seen += len(chunk)
		chunk = chunk[:0]
		return err
	}

	stats, err := intake.DecodeFile(path, func(ev evidence.Event) error {
		chunk = append(chunk, ev)
		if len(chunk) == ingestChunk {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, stats, err
	}
	return total, stats, flush()
}
