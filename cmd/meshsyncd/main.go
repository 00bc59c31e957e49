// Command meshsyncd is the process-level entrypoint for the offline
// scan-sync daemon: run, health, and rescan subcommands.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/badgesync/meshsync/internal/config"
	"github.com/badgesync/meshsync/pkg/mesh"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "meshsyncd",
		Short: "Offline peer-to-peer scan synchronization daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to meshsyncd.yaml")

	root.AddCommand(runCmd(), healthCmd(), rescanCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon and block until a termination signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			engine, err := mesh.New(cfg)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			return engine.Shutdown()
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print this process's current health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			engine, err := mesh.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			out, err := json.MarshalIndent(engine.QueryHealth(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func rescanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Broadcast a state-request to discover and resync with peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			engine, err := mesh.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			engine.RescanPeers()
			return nil
		},
	}
}
