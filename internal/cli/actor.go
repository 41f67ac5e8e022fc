package cli

import (
	"github.com/spf13/cobra"
)

var actorCmd = &cobra.Command{
	Use:   "actor ID",
	Short: "Show an actor, its latest pattern and its relationships",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		d, err := s.eng.Actor(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d)
	},
}
