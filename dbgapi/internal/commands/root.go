// Package commands implements the dbgapi command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"gni.dev/dbgapi/internal/config"
	"gni.dev/dbgapi/internal/dbg/client"
	"gni.dev/dbgapi/internal/logger"
)

type rootOptions struct {
	configFile string
}

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "dbgapi",
		Short: "Serves a debugger host over a local request/response socket",
		Long: `dbgapi exposes an attached debugger (lldb-server or Delve) through a
small JSON request/response protocol on a local socket, and talks to such a
server from the command line.`,
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (default ~/"+config.DefaultFileName+")")
	pf.String("network", "unix", "server network, unix or tcp")
	pf.String("socket", config.DefaultSocket(), "server socket path or loopback host:port")
	pf.Duration("dial-timeout", 0, "how long to keep retrying connections")
	pf.Int("max-message-size", 0, "largest accepted message in bytes")
	log.AddLevelFlag(pf)

	for _, newCmd := range []func(*rootOptions, *logger.Logger) (*cobra.Command, error){
		newServeCommand,
		newCallCommand,
		newReplCommand,
		newRequestsCommand,
		newVersionCommand,
	} {
		cmd, err := newCmd(opts, log)
		if err != nil {
			return nil, fmt.Errorf("could not set up command: %w", err)
		}
		rootCmd.AddCommand(cmd)
	}
	return rootCmd, nil
}

func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Flags(), o.configFile)
}

// connect loads the configuration and dials the server it names.
func (o *rootOptions) connect(cmd *cobra.Command, log *logger.Logger) (*client.Client, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	c := client.New(client.Options{
		Network:        cfg.Network,
		Address:        cfg.Socket,
		DialTimeout:    cfg.Timeouts.Dial,
		MaxMessageSize: cfg.MaxMessageSize,
	}, log.WithName("client"))
	if err := c.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return c, nil
}
