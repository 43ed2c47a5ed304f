// Command demo exercises the engine with the traffic-light tree used in the
// teacher's original demo, now as a Cobra CLI with run/inspect/dot
// subcommands instead of a bare main() event loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comalice/hsmstate"
	"github.com/comalice/hsmstate/viz"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "demo",
		Short: "Exercise the hsmstate engine with a sample tree",
	}
	root.AddCommand(newRunCmd(), newInspectCmd(), newDotCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var cycles int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the traffic-light demo, cycling on a timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := trafficLightTree()
			if err != nil {
				return err
			}
			m, err := hsmstate.New(tree)
			if err != nil {
				return err
			}
			defer m.Dispose()

			if _, err := m.Start(context.Background(), hsmstate.Payload{}); err != nil {
				return err
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			for i := 0; i < cycles; i++ {
				select {
				case <-ticker.C:
					if _, err := m.Send(context.Background(), hsmstate.NewEvent("TIMER", nil)); err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "send error: %v\n", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "current: %s\n", m.CurrentLeaf())
				case <-sig:
					fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 12, "number of TIMER cycles to run")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the demo tree's current leaf after Start",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := trafficLightTree()
			if err != nil {
				return err
			}
			m, err := hsmstate.New(tree)
			if err != nil {
				return err
			}
			defer m.Dispose()
			if _, err := m.Start(context.Background(), hsmstate.Payload{}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "leaf: %s\nlifecycle: %s\n", m.CurrentLeaf(), m.LifecycleState())
			return nil
		},
	}
}

func newDotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dot",
		Short: "Print the demo tree as Graphviz DOT",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := trafficLightTree()
			if err != nil {
				return err
			}
			m, err := hsmstate.New(tree)
			if err != nil {
				return err
			}
			defer m.Dispose()
			if _, err := m.Start(context.Background(), hsmstate.Payload{}); err != nil {
				return err
			}

			active := make(map[hsmstate.StateKey]bool)
			for k := range allKeys(tree) {
				if m.IsActive(k) {
					active[k] = true
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), viz.ExportDOT(tree, active))
			return nil
		},
	}
}

func allKeys(tree *hsmstate.Tree) map[hsmstate.StateKey]struct{} {
	out := map[hsmstate.StateKey]struct{}{tree.Root: {}}
	var walk func(hsmstate.StateKey)
	walk = func(k hsmstate.StateKey) {
		def := tree.MustNode(k)
		for _, c := range def.Children {
			out[c] = struct{}{}
			walk(c)
		}
	}
	walk(tree.Root)
	return out
}
