package commands

import (
	"github.com/spf13/cobra"

	"gni.dev/dbgapi/internal/dbg/term"
	"gni.dev/dbgapi/internal/logger"
)

func newReplCommand(opts *rootOptions, log *logger.Logger) (*cobra.Command, error) {
	var initCmd string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Starts an interactive session against the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.connect(cmd, log)
			if err != nil {
				return err
			}
			defer c.Close()
			return term.Run(cmd.Context(), c, initCmd)
		},
	}
	cmd.Flags().StringVar(&initCmd, "init", "", "initial command to run")
	return cmd, nil
}
