package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/vigil/internal/errors"
)

var (
	consolidateStart string
	consolidateEnd   string
	consolidateAt    string
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Consolidate one window of behavior into patterns",
	Long: "Run one consolidation pass over [--start, --end), or over the configured window " +
		"containing --at. Times are RFC 3339. With no flags the last completed window is used.",
	Args: cobra.NoArgs,
	RunE: runConsolidate,
}

func init() {
	f := consolidateCmd.Flags()
	f.StringVar(&consolidateStart, "start", "", "window start (RFC 3339)")
	f.StringVar(&consolidateEnd, "end", "", "window end (RFC 3339)")
	f.StringVar(&consolidateAt, "at", "", "consolidate the window containing this instant")
	consolidateCmd.MarkFlagsRequiredTogether("start", "end")
	consolidateCmd.MarkFlagsMutuallyExclusive("start", "at")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var start, end time.Time
	switch {
	case consolidateStart != "":
		if start, err = parseTime("start", consolidateStart); err != nil {
			return err
		}
		if end, err = parseTime("end", consolidateEnd); err != nil {
			return err
		}
	case consolidateAt != "":
		at, err := parseTime("at", consolidateAt)
		if err != nil {
			return err
		}
		start, end = s.eng.Align(at)
	default:
		current, _ := s.eng.Align(time.Now())
		start, end = current.Add(-cfg.Consolidation.Window), current
	}

	report, runErr := s.eng.Consolidate(ctx, start, end)
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	return s.eng.Checkpoint(ctx)
}

func parseTime(flag, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Validationf("--%s: %v", flag, err)
	}
	return t.UTC(), nil
}
