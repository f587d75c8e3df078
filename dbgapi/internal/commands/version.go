package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"gni.dev/dbgapi/internal/dbg/api"
	"gni.dev/dbgapi/internal/logger"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

func newVersionCommand(opts *rootOptions, log *logger.Logger) (*cobra.Command, error) {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dbgapi %s (api %.1f)\n", Version, api.Version)
			if !remote {
				return nil
			}
			c, err := opts.connect(cmd, log)
			if err != nil {
				return err
			}
			defer c.Close()
			v, err := c.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server api %.1f, host %s\n", v.APIVersion, v.HostVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also query the server")
	return cmd, nil
}
