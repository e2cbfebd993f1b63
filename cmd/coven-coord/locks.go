// ABOUTME: File lock commands: lock, unlock, locks and who
// ABOUTME: Conflicts print the holder and exit non-zero without being treated as internal errors

package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coord/internal/lock"
)

// errLocked makes the process exit non-zero after a conflict is printed.
var errLocked = errors.New("file is locked by another agent")

func lockCmd(a *app) *cobra.Command {
	var (
		reason  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lock <path>",
		Short: "Take an advisory lock on a project file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, id, err := a.actingRuntime(cmd)
			if err != nil {
				return err
			}
			l, conflict, err := rt.Locks.Acquire(args[0], id, reason, timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if conflict != nil {
				if a.jsonOut {
					_ = printJSON(out, conflict)
				} else {
					color.New(color.FgYellow).Fprint(out, "⚠ ")
					fmt.Fprintln(out, conflict.String())
				}
				return errLocked
			}
			if a.jsonOut {
				return printJSON(out, l)
			}
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "locked %s\n", l.FilePath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the file is locked")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Lease before the lock counts as stale (default: locks.stale_timeout)")
	return cmd
}

func unlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <path>",
		Short: "Release a lock this agent holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, id, err := a.actingRuntime(cmd)
			if err != nil {
				return err
			}
			released, err := rt.Locks.Release(args[0], id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !released {
				color.New(color.FgYellow).Fprintf(out, "%s does not hold a lock on %s\n", id, args[0])
				return nil
			}
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "released %s\n", args[0])
			return nil
		},
	}
}

func locksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List every lock in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			locks, err := rt.Locks.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, locks)
			}
			if len(locks) == 0 {
				fmt.Fprintln(out, "No locks held.")
				return nil
			}
			return printLocks(out, locks, rt.Locks.StaleTimeout())
		},
	}
}

func printLocks(w io.Writer, locks []*lock.Lock, staleTimeout time.Duration) error {
	now := time.Now()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tHOLDER\tAGE\tREASON")
	for _, l := range locks {
		age := l.Age(now).Round(time.Second).String()
		if l.Age(now) >= staleTimeout {
			age = color.YellowString(age + " (stale)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.FilePath, l.AgentID, age, l.Reason)
	}
	return tw.Flush()
}

func whoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "who <path>",
		Short: "Show which agent holds a lock on a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd)
			if err != nil {
				return err
			}
			l, err := rt.Locks.WhoHas(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, l)
			}
			if l == nil {
				fmt.Fprintf(out, "%s is not locked\n", args[0])
				return nil
			}
			age := l.Age(time.Now()).Round(time.Second)
			fmt.Fprintf(out, "%s is locked by %s (%s ago)", l.FilePath, color.CyanString(l.AgentID), age)
			if l.Reason != "" {
				fmt.Fprintf(out, ": %s", l.Reason)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}
