package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gni.dev/dbgapi/internal/logger"
)

func newRequestsCommand(opts *rootOptions, log *logger.Logger) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Lists the requests the server's debugger host supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.connect(cmd, log)
			if err != nil {
				return err
			}
			defer c.Close()

			reqs, err := c.ListRequests(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REQUEST\tPARAMS\tRESULT")
			for _, r := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, strings.Join(r.Params, ","), strings.Join(r.Result, ","))
			}
			return w.Flush()
		},
	}
	return cmd, nil
}
