package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/austindbirch/task_relay/internal/eventqueue"
	"github.com/austindbirch/task_relay/internal/node"
)

// produceCmd represents the produce command
var produceCmd = &cobra.Command{
	Use:   "produce [task-id]",
	Short: "Own a task and stream stdin lines into it",
	Long: `Create the task's queue on this node (or fail if another node owns it),
enqueue one "working" status update per stdin line, then a final status
update and close the queue on EOF.

Example:
  tail -f build.log | relayctl produce task_123 --final-state completed`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		finalState, _ := cmd.Flags().GetString("final-state")
		state := eventqueue.TaskState(finalState)
		if !state.Terminal() {
			return fmt.Errorf("final state %q is not terminal", finalState)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return withNode(ctx, func(n *node.Node) error {
			count, err := produce(ctx, n, args[0], cmd.InOrStdin(), state)
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"taskId": args[0], "events": count, "node": n.Manager.NodeID()})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Produced %d events for task %s\n", count, args[0])
			}
			return nil
		})
	},
}

// produce owns taskID on n and streams lines from r as status updates
func produce(ctx context.Context, n *node.Node, taskID string, r io.Reader, final eventqueue.TaskState) (int, error) {
	q, err := n.Manager.CreateOrTap(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to create queue: %w", err)
	}
	owner, err := n.Registry.Owner(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to look up owner: %w", err)
	}
	if owner != n.Manager.NodeID() {
		_ = n.Manager.Close(ctx, taskID)
		return 0, fmt.Errorf("task %s is owned by node %s", taskID, owner)
	}

	count := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := q.Enqueue(ctx, eventqueue.StatusUpdate(taskID, eventqueue.StateWorking, line)); err != nil {
			return count, fmt.Errorf("failed to enqueue: %w", err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to read input: %w", err)
	}

	if err := q.Enqueue(ctx, eventqueue.StatusUpdate(taskID, final, "")); err != nil {
		return count, fmt.Errorf("failed to enqueue final event: %w", err)
	}
	count++
	if err := n.Manager.Drain(ctx, taskID); err != nil {
		return count, fmt.Errorf("failed to close queue: %w", err)
	}
	return count, nil
}

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Print a task's events as they arrive",
	Long: `Tap the task's queue and print every event until the queue closes or a
final event arrives. Only events produced after the tap are shown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return withNode(ctx, func(n *node.Node) error {
			q, err := n.Manager.Tap(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to tap queue: %w", err)
			}
			if q == nil {
				return fmt.Errorf("no queue for task %s", args[0])
			}
			return watch(ctx, q, cmd.OutOrStdout())
		})
	},
}

// watch prints events from q until it closes or yields a final event
func watch(ctx context.Context, q *eventqueue.Queue, w io.Writer) error {
	for {
		e, err := q.Dequeue(ctx)
		if errors.Is(err, eventqueue.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := printEvent(w, e); err != nil {
			return err
		}
		if e.IsFinal() {
			return nil
		}
	}
}

// ownerCmd represents the owner command
var ownerCmd = &cobra.Command{
	Use:   "owner [task-id]",
	Short: "Print the node holding a task's lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), func(n *node.Node) error {
			owner, err := n.Registry.Owner(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to look up owner: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"taskId": args[0], "owner": owner, "leased": owner != ""})
				return nil
			}
			if owner == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s has no lease\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is owned by %s\n", args[0], owner)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(produceCmd, watchCmd, ownerCmd)

	produceCmd.Flags().String("final-state", string(eventqueue.StateCompleted), "state of the last event sent on EOF")
}
