package cli

import (
	"github.com/spf13/cobra"
)

var (
	detectMinConfidence float64
	detectMinSize       int
	detectDensityFloor  float64
	detectPersist       bool
	detectAsOf          string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect coordinated rings in the relationship graph",
	Args:  cobra.NoArgs,
	RunE:  runDetect,
}

func init() {
	f := detectCmd.Flags()
	f.Float64Var(&detectMinConfidence, "min-confidence", 0, "minimum edge confidence (default from config)")
	f.IntVar(&detectMinSize, "min-size", 0, "minimum ring size (default from config)")
	f.Float64Var(&detectDensityFloor, "density-floor", 0, "minimum internal density (default from config)")
	f.BoolVar(&detectPersist, "persist", false, "store the result as the latest ring batch")
	f.StringVar(&detectAsOf, "as-of", "", "score edges by confidence decayed to this RFC3339 time (default now)")
}

func runDetect(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	opts := s.eng.RingOptions()
	if cmd.Flags().Changed("min-confidence") {
		opts.MinConfidence = detectMinConfidence
	}
	if cmd.Flags().Changed("min-size") {
		opts.MinSize = detectMinSize
	}
	if cmd.Flags().Changed("density-floor") {
		opts.DensityFloor = detectDensityFloor
	}
	if detectAsOf != "" {
		if opts.AsOf, err = parseTime("as-of", detectAsOf); err != nil {
			return err
		}
	}

	batch, err := s.eng.DetectRings(opts, detectPersist)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), batch)
}
