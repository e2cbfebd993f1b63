// ABOUTME: Messaging commands: send, broadcast, read and watch
// ABOUTME: Reports per-recipient delivery and flags log entries whose signature does not verify

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coord/internal/coord"
	"github.com/2389/coven-coord/internal/delivery"
	"github.com/2389/coven-coord/internal/message"
	"github.com/2389/coven-coord/internal/msglog"
)

func sendCmd(a *app) *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "send <recipient> <message...>",
		Short: "Send a message to one agent (or \"all\")",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := message.ParseType(typeName)
			if err != nil {
				return err
			}
			rt, sender, err := a.actingRuntime(cmd)
			if err != nil {
				return err
			}
			res, err := rt.Delivery.Send(cmd.Context(), sender, args[0], t, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return a.printResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", string(message.TypeInfo), "Message type")
	return cmd
}

func broadcastCmd(a *app) *cobra.Command {
	var (
		typeName    string
		includeSelf bool
	)
	cmd := &cobra.Command{
		Use:   "broadcast <message...>",
		Short: "Send a message to every registered agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := message.ParseType(typeName)
			if err != nil {
				return err
			}
			rt, sender, err := a.actingRuntime(cmd)
			if err != nil {
				return err
			}
			res, err := rt.Delivery.Broadcast(cmd.Context(), sender, t, strings.Join(args, " "), !includeSelf)
			if err != nil {
				return err
			}
			return a.printResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", string(message.TypeInfo), "Message type")
	cmd.Flags().BoolVar(&includeSelf, "include-self", false, "Also deliver to the sending agent")
	return cmd
}

// actingRuntime builds the runtime and resolves the calling agent's id.
func (a *app) actingRuntime(cmd *cobra.Command) (*coord.Runtime, string, error) {
	rt, err := a.runtime(cmd)
	if err != nil {
		return nil, "", err
	}
	id, err := rt.AgentID(cmd.Context())
	if err != nil {
		return nil, "", err
	}
	return rt, id, nil
}

type resultView struct {
	MsgID     string            `json:"msg_id"`
	Status    delivery.Status   `json:"status"`
	Delivered map[string]bool   `json:"delivered"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (a *app) printResult(w io.Writer, res *delivery.Result) error {
	if res.Status == delivery.StatusRateLimited {
		if a.jsonOut {
			if err := printJSON(w, resultView{Status: res.Status}); err != nil {
				return err
			}
		}
		return fmt.Errorf("rate limited: too many messages from %s, try again shortly", res.Message.Sender)
	}

	if a.jsonOut {
		view := resultView{MsgID: res.Message.ID, Status: res.Status, Delivered: res.Delivered}
		if len(res.Errors) > 0 {
			view.Errors = make(map[string]string, len(res.Errors))
			for id, err := range res.Errors {
				view.Errors[id] = err.Error()
			}
		}
		return printJSON(w, view)
	}

	fmt.Fprintf(w, "msg_id: %s\n", res.Message.ID)
	recipients := make([]string, 0, len(res.Delivered))
	for id := range res.Delivered {
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)
	for _, id := range recipients {
		if res.Delivered[id] {
			color.New(color.FgGreen).Fprint(w, "  ✓ ")
			fmt.Fprintln(w, id)
			continue
		}
		color.New(color.FgRed).Fprint(w, "  ✗ ")
		fmt.Fprintf(w, "%s: %v\n", id, res.Errors[id])
	}
	if len(recipients) == 0 {
		color.New(color.FgYellow).Fprintln(w, "  logged, but no other agents are registered")
	}
	return nil
}

func readCmd(a *app) *cobra.Command {
	var (
		from      string
		typeNames []string
		since     time.Duration
		limit     int
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Show messages addressed to this agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := msglog.Filter{Sender: from, Limit: limit}
			for _, name := range typeNames {
				t, err := message.ParseType(name)
				if err != nil {
					return err
				}
				filter.Types = append(filter.Types, t)
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			if !all {
				id, err := rt.AgentID(cmd.Context())
				if err != nil {
					return fmt.Errorf("%w (use --all to read every message)", err)
				}
				filter.Recipient = id
			}

			res, err := rt.Log.Read(filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, res.Messages)
			}
			for _, m := range res.Messages {
				printMessage(out, m, rt.Signer.Verify(m))
			}
			if res.Skipped > 0 {
				color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "skipped %d malformed log lines\n", res.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Only messages from this sender")
	cmd.Flags().StringSliceVarP(&typeNames, "type", "t", nil, "Only these message types")
	cmd.Flags().DurationVar(&since, "since", 0, "Only messages newer than this (e.g. 10m)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most this many of the newest messages")
	cmd.Flags().BoolVar(&all, "all", false, "Read every message, not just this agent's")
	return cmd
}

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream new messages addressed to this agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, id, err := a.actingRuntime(cmd)
			if err != nil {
				return err
			}
			watcher, err := rt.Log.Watch(msglog.Filter{Recipient: id})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return watcher.Run(cmd.Context(), func(m *message.Message) {
				if a.jsonOut {
					_ = printJSON(out, m)
					return
				}
				printMessage(out, m, rt.Signer.Verify(m))
			})
		},
	}
}

func printMessage(w io.Writer, m *message.Message, verified bool) {
	gray := color.New(color.FgHiBlack)
	gray.Fprint(w, m.Timestamp.Local().Format(time.DateTime)+" ")
	if !verified {
		color.New(color.FgRed, color.Bold).Fprint(w, "[UNVERIFIED] ")
	}
	fmt.Fprintln(w, m.Render())
}
