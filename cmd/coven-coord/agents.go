// ABOUTME: Agent discovery commands: discover, agents and register
// ABOUTME: Prints the registry as a table or JSON

package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coord/internal/backend"
	"github.com/2389/coven-coord/internal/coord"
	"github.com/2389/coven-coord/internal/message"
	"github.com/2389/coven-coord/internal/registry"
	"github.com/2389/coven-coord/internal/tmux"
)

func discoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan for agents and refresh the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			snap, err := rt.Discover(cmd.Context())
			if err != nil {
				return err
			}
			return a.printAgents(cmd.OutOrStdout(), snap)
		},
	}
}

func agentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents from the last registry refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			snap, err := rt.Registry.Load()
			if err != nil {
				return err
			}
			return a.printAgents(cmd.OutOrStdout(), snap)
		},
	}
}

func (a *app) printAgents(w io.Writer, snap *registry.Snapshot) error {
	if a.jsonOut {
		return printJSON(w, snap)
	}
	if len(snap.Agents) == 0 {
		fmt.Fprintln(w, "No agents found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tIDENTIFIER\tSTATUS\tPID\tLAST SEEN\tCWD")
	for _, agent := range snap.Agents {
		status := color.GreenString(string(agent.Status))
		if agent.Status == backend.StatusStale {
			status = color.YellowString(string(agent.Status))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			agent.AgentID,
			agent.Identifier,
			status,
			strconv.Itoa(agent.PID),
			agent.LastSeen.Local().Format(time.TimeOnly),
			agent.Cwd,
		)
	}
	return tw.Flush()
}

func registerCmd(a *app) *cobra.Command {
	var pane string
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Give the current tmux pane a stable agent id",
		Long: `Give the current tmux pane a stable agent id.

The id is stored in the pane option @coven_agent_id and picked up by the
next discovery. Outside tmux, export COVEN_AGENT_ID in the agent's
environment instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := message.ValidateAgentID("agent_id", id); err != nil {
				return err
			}
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if rt.Backend.Name() != backend.KindTmux {
				fmt.Fprintf(out, "The %s backend reads agent ids from the environment:\n", rt.Backend.Name())
				fmt.Fprintf(out, "  export %s=%s\n", coord.AgentIDEnv, id)
				return nil
			}

			if pane == "" {
				current, ok := rt.Backend.CurrentAgentIdentifier(cmd.Context())
				if !ok {
					return fmt.Errorf("not inside a tmux pane; pass --pane")
				}
				pane = current
			}
			if kind, err := backend.ValidateIdentifier(pane); err != nil || kind != backend.IdentifierPane {
				return fmt.Errorf("%q is not a tmux pane id", pane)
			}
			client := a.tmux
			if client == nil {
				client = tmux.NewClient()
			}
			if err := client.SetAgentID(cmd.Context(), pane, id); err != nil {
				return err
			}
			if _, err := rt.Discover(cmd.Context()); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "pane %s registered as %s\n", pane, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&pane, "pane", "", "tmux pane id (default: $TMUX_PANE)")
	return cmd
}
