// ABOUTME: The serve command keeps an agent's coordination state fresh in the background
// ABOUTME: Runs registry refresh, lock refresh, ack sweeps and ACK handling until interrupted

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const banner = `
  ___ _____   _____ _ __         ___ ___   ___  _ __ __| |
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \ / _ \| '__/ _' |
| (_| (_) \ V /  __/ | | |_____| (_| (_) | (_) | | | (_| |
 \___\___/ \_/ \___|_| |_|      \___\___/ \___/|_|  \__,_|
`

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background coordination loops for this agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			color.New(color.FgCyan).Fprint(out, banner)
			color.New(color.FgHiBlack).Fprintf(out, "    version: %s\n\n", version)

			green := color.New(color.FgGreen)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Root:      %s\n", rt.Config.Project.Root)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "State:     %s\n", rt.Config.StatePath())
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Backend:   %s\n", rt.Backend.Name())
			if id, err := rt.AgentID(cmd.Context()); err == nil {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "Agent:     %s\n", id)
			}
			fmt.Fprintln(out)

			return rt.Run(cmd.Context())
		},
	}
}
