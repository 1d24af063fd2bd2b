package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linksniff/internal/task"
)

func newEnqueueCmd() *cobra.Command {
	var script string
	cmd := &cobra.Command{
		Use:   "enqueue <url>",
		Short: "Add a pending task",
		Long:  "Adds a pending task for url. The site is derived from the host unless --script is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			svc := appInstance.Service()
			var id int64
			if script != "" {
				id, err = svc.Enqueue(cmd.Context(), script, args[0])
			} else {
				id, script, err = svc.EnqueueURL(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, script)
			return nil
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "site identifier to run instead of deriving it from the URL")
	return cmd
}

func newListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the task table, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var filter task.Status
			if status != "" {
				filter, err = task.ParseStatus(status)
				if err != nil {
					return err
				}
			}
			tasks, err := appInstance.Service().List(cmd.Context())
			if err != nil {
				return err
			}
			var rows [][]string
			for _, t := range tasks {
				if filter != "" && t.Status != filter {
					continue
				}
				rows = append(rows, []string{
					strconv.FormatInt(t.ID, 10), t.Script, string(t.Status),
					task.FormatTime(t.Added), optionalTime(t.Started), optionalTime(t.Ended), t.URL,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTasks(cmd.OutOrStdout(), rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show tasks with this status (pending, active, completed, failed)")
	return cmd
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return task.FormatTime(*t)
}

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a failed task back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}
			return appInstance.Service().Requeue(cmd.Context(), id)
		},
	}
}

func newClearCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete completed tasks, or every task with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			svc := appInstance.Service()
			var n int64
			if all {
				n, err = svc.ClearAll(cmd.Context())
			} else {
				n, err = svc.ClearCompleted(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d tasks\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every task regardless of status")
	return cmd
}

func newConcurrencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "concurrency [n]",
		Short: "Show or set the global concurrency ceiling",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			svc := appInstance.Service()
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid concurrency %q: %w", args[0], err)
				}
				if err := svc.SetConcurrency(n); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), svc.Concurrency())
			return nil
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Bound the store's write-ahead journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Service().Compact(cmd.Context())
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-tool",
		Short: "Run the configured downloader update command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Service().UpdateTool(cmd.Context())
			fmt.Fprint(cmd.OutOrStdout(), res.Output)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("update command exited with code %d", res.ExitCode)
			}
			return nil
		},
	}
}
