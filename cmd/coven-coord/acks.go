// ABOUTME: Acknowledgment commands: ask, ack, pending and retry
// ABOUTME: Thin wrappers over the ack tracker held by the runtime

package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coord/internal/ack"
)

func askCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ask <recipient> <question...>",
		Short: "Send a question that is re-sent until acknowledged",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, sender, err := a.actingRuntime(cmd)
			if err != nil {
				return err
			}
			msgID, err := rt.Acks.SendWithAck(cmd.Context(), sender, args[0], strings.Join(args[1:], " "), timeout)
			if err != nil {
				if errors.Is(err, ack.ErrRateLimited) {
					return fmt.Errorf("rate limited: too many messages from %s, try again shortly", sender)
				}
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, map[string]string{"msg_id": msgID})
			}
			fmt.Fprintf(out, "msg_id: %s\n", msgID)
			color.New(color.FgHiBlack).Fprintf(out, "awaiting ACK from %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Wait before the first re-send (default: acks.timeout)")
	return cmd
}

func ackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <msg-id>",
		Short: "Acknowledge a message addressed to this agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, id, err := a.actingRuntime(cmd)
			if err != nil {
				return err
			}
			ok, err := rt.Acks.Acknowledge(cmd.Context(), id, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				color.New(color.FgYellow).Fprintf(out, "%s is not awaiting acknowledgment\n", args[0])
				return nil
			}
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "acknowledged %s\n", args[0])
			return nil
		},
	}
}

func pendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List messages awaiting acknowledgment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			pending, err := rt.Acks.Pending()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, pending)
			}
			if len(pending) == 0 {
				fmt.Fprintln(out, "Nothing awaiting acknowledgment.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MSG ID\tFROM\tTO\tRETRIES\tNEXT RETRY")
			for _, p := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					p.MsgID, p.SenderID, p.RecipientID, p.RetryCount,
					p.NextRetryAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func retryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-send due unacknowledged messages once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			res, err := rt.Acks.ProcessPendingRetries(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				failed := make(map[string]string, len(res.Failed))
				for id, err := range res.Failed {
					failed[id] = err.Error()
				}
				return printJSON(out, map[string]any{
					"retried": res.Retried,
					"dropped": res.Dropped,
					"failed":  failed,
				})
			}
			fmt.Fprintf(out, "retried: %d\n", res.Retried)
			for _, p := range res.Dropped {
				color.New(color.FgRed).Fprintf(out, "gave up on %s to %s after %d retries\n", p.MsgID, p.RecipientID, p.RetryCount)
			}
			for id, err := range res.Failed {
				color.New(color.FgYellow).Fprintf(out, "re-send of %s failed: %v\n", id, err)
			}
			return nil
		},
	}
}
