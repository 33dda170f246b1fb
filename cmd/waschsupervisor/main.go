/*
The waschsupervisor command drives a multi-hop radio-mesh gateway: it
loads a node topology from a TOML configuration file, brings every node
up over the gateway's serial or TCP line, and keeps the mesh configured
against reconnects, timeouts and operator commands for as long as it
runs.

Usage:

	waschsupervisor run --config /etc/waschsupervisor/config.toml

	waschsupervisor flash --addr 0.0.0.0:1337 --firmware build/gateway.bin
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/stustanet/waschsupervisor/internal/config"
	"github.com/stustanet/waschsupervisor/internal/mesh"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "waschsupervisor",
		Short: "supervises a multi-hop radio-mesh sensor/switch network",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newFlashCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var cfgPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "load a configuration file and run the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, verbose)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/waschsupervisor/config.toml", "configuration file path")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	return cmd
}

func run(cfgPath string, verbose bool) error {
	logger := log.NewLogfmtLogger(os.Stderr)
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	registry, uplink, err := buildRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build node registry: %w", err)
	}

	transport, err := buildTransport(cfg.Link, logger)
	if err != nil {
		return fmt.Errorf("failed to open link: %w", err)
	}
	defer transport.Close()

	scheduler := mesh.NewScheduler(registry, transport, cfg.Scheduler, log.With(logger, "component", "scheduler"))
	networkMgr := mesh.NewNetworkManager(registry, cfg.Network, log.With(logger, "component", "network"))
	statusWriter := mesh.NewStatusWriter(registry, cfg.Status, log.With(logger, "component", "status"))
	debugIface := mesh.NewDebugInterface(registry, scheduler, cfg.Debug.Addr, log.With(logger, "component", "debug"))

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return networkMgr.Run(gctx) })
	g.Go(func() error { return statusWriter.Run(gctx) })
	g.Go(func() error { return debugIface.Run(gctx) })
	if uplink != nil {
		g.Go(func() error { return uplink.Run(gctx) })
	}

	level.Info(logger).Log("msg", "supervisor started", "nodes", len(registry.Nodes()))

	err = g.Wait()
	if gctx.Err() != nil {
		level.Info(logger).Log("msg", "supervisor shutting down")
		return nil
	}
	return err
}

// buildRegistry constructs every configured node and wires it into a
// fresh Registry, resolving each node's gateway name to the already-
// constructed parent. Nodes whose gateway is not built yet are deferred
// to a later pass, so declaration order does not matter; the passes stop
// once one makes no progress, and any node still unresolved then is a
// configuration error.
func buildRegistry(cfg *config.Config, logger log.Logger) (*mesh.Registry, *mesh.HTTPUplink, error) {
	registry := mesh.NewRegistry(log.With(logger, "component", "registry"))

	var uplink *mesh.HTTPUplink
	if cfg.Uplink.BaseURL != "" {
		uplink = mesh.NewHTTPUplink(cfg.Uplink, log.With(logger, "component", "uplink"))
	}
	var uplinkIface mesh.Uplink
	if uplink != nil {
		uplinkIface = uplink
	}

	byName := make(map[string]*mesh.Node, len(cfg.Nodes))

	remaining := cfg.Nodes
	for progressed := true; len(remaining) > 0 && progressed; {
		progressed = false
		var next []config.NamedNode
		for _, nc := range remaining {
			var gw *mesh.Node
			if nc.GatewayName != "" {
				var ok bool
				gw, ok = byName[nc.GatewayName]
				if !ok {
					next = append(next, nc)
					continue
				}
			}

			params := mesh.NodeParams{
				ID:                 nc.ID,
				Name:               nc.Name,
				Gateway:            gw,
				Routes:             nc.Routes,
				HopTimeout:         nc.HopTimeout,
				MaxRetransmissions: nc.MaxRetransmissions,
				CheckInterval:      nc.CheckInterval,
				ReconnectDelay:     nc.ReconnectDelay,
			}

			var n *mesh.Node
			var err error
			switch nc.Kind {
			case mesh.KindSensor:
				if nc.Sensor == nil {
					return nil, nil, fmt.Errorf("node %s: kind sensor requires a [node.%s.sensor] table", nc.Name, nc.Name)
				}
				n, err = mesh.NewSensorNode(params, nc.Sensor.Channels, nc.Sensor.ChannelMask, nc.Sensor.SampleRate, nc.Sensor.LEDMap, uplinkIface)
			case mesh.KindSwitch:
				if nc.Switch == nil {
					return nil, nil, fmt.Errorf("node %s: kind switch requires a [node.%s.switch] table", nc.Name, nc.Name)
				}
				n = mesh.NewSwitchNode(params, *nc.Switch, uplinkIface)
			default:
				n = mesh.NewBaseNode(params)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: %w", nc.Name, err)
			}

			if err := registry.AddNode(n); err != nil {
				return nil, nil, err
			}
			byName[nc.Name] = n
			progressed = true
		}
		remaining = next
	}
	if len(remaining) > 0 {
		return nil, nil, fmt.Errorf("%w: unresolved gateway reference among %d node(s)", mesh.ErrConfig, len(remaining))
	}

	return registry, uplink, nil
}

func buildTransport(lc config.LinkConfig, logger log.Logger) (mesh.Transport, error) {
	switch lc.Type {
	case "tcp":
		addr := fmt.Sprintf(":%d", lc.TCPPort)
		return mesh.NewTCPTransport(addr, log.With(logger, "component", "transport"))
	case "serial", "":
		return mesh.NewSerialTransport(lc.SerialPath, lc.SerialBaud, log.With(logger, "component", "transport"))
	default:
		return nil, fmt.Errorf("%w: unrecognised link type %q", mesh.ErrConfig, lc.Type)
	}
}
