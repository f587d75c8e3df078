package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"gni.dev/dbgapi/internal/config"
	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/dlv"
	"gni.dev/dbgapi/internal/dbg/fake"
	"gni.dev/dbgapi/internal/dbg/lldb"
	"gni.dev/dbgapi/internal/dbg/plugin"
	"gni.dev/dbgapi/internal/dbg/server"
	"gni.dev/dbgapi/internal/logger"
)

func newServeCommand(opts *rootOptions, log *logger.Logger) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve [flags] [-- program args...]",
		Short: "Attaches to a debugger host and serves requests for it",
		Long: `Starts or connects to the configured debugger host and serves dbgapi
requests on the server socket until interrupted.

Hosts:
  lldb  launches lldb-server (or dials --lldb-address) and runs or attaches to a program
  dlv   connects to a headless Delve server
  fake  serves fixed fixture data, for client development`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.LLDB.Program = args[0]
				cfg.LLDB.Args = args[1:]
			}
			if err := cfg.ValidateHost(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log.Logger)
		},
	}

	f := cmd.Flags()
	f.String("host", config.HostLLDB, "debugger host: lldb, dlv or fake")
	f.String("lldb-server", "", "lldb-server binary (default: found on PATH)")
	f.String("lldb-address", "", "address of a running gdb-remote stub, unix://path or host:port")
	f.String("program", "", "program to launch under lldb-server")
	f.Int("attach", 0, "pid to attach lldb-server to")
	f.String("dlv-address", "", "address of a headless Delve server")
	f.Duration("write-timeout", 0, "bound on writing one response")
	return cmd, nil
}

type closer interface {
	Close() error
}

func serve(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	host, err := openHost(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := host.(closer); ok {
			if err := c.Close(); err != nil {
				log.Error(err, "closing debugger host")
			}
		}
	}()

	registry, err := plugin.Builtin(host)
	if err != nil {
		return err
	}
	d := server.NewDispatcher(host, registry, log.WithName("dispatcher"))
	srv := server.NewServer(server.Config{
		Network:        cfg.Network,
		Address:        cfg.Socket,
		MaxMessageSize: cfg.MaxMessageSize,
		WriteTimeout:   cfg.Timeouts.Write,
	}, d, log.WithName("server"))

	log.Info("serving", "host", host.HostVersion(), "network", cfg.Network, "address", cfg.Socket)
	return srv.Serve(ctx)
}

func openHost(ctx context.Context, cfg *config.Config, log logr.Logger) (dbg.Adaptor, error) {
	switch cfg.Host {
	case config.HostLLDB:
		opts := lldb.Options{
			Server:      cfg.LLDB.Server,
			Program:     cfg.LLDB.Program,
			Args:        cfg.LLDB.Args,
			Attach:      cfg.LLDB.Attach,
			DialTimeout: cfg.Timeouts.Dial,
		}
		hostLog := log.WithName("lldb")
		if cfg.LLDB.Address != "" {
			network, address := splitAddress(cfg.LLDB.Address)
			return lldb.Dial(ctx, network, address, opts, hostLog)
		}
		return lldb.Launch(ctx, opts, hostLog)
	case config.HostDlv:
		return dlv.Dial(ctx, cfg.Dlv.Address, cfg.Timeouts.Dial, log.WithName("dlv"))
	case config.HostFake:
		return fake.NewHost(), nil
	}
	return nil, fmt.Errorf("unknown debugger host %q", cfg.Host)
}

// splitAddress accepts unix://path, a bare path or host:port.
func splitAddress(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix://"); ok {
		return "unix", rest
	}
	if strings.HasPrefix(addr, "/") {
		return "unix", addr
	}
	return "tcp", strings.TrimPrefix(addr, "tcp://")
}
