package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hoidn/BMAD-METHOD/internal/queue"
)

// newQueueCmd exposes the file-queue handoff protocol: agents enqueue tasks
// into an inbox and mark them processed or failed when done.
func newQueueCmd(cfg Config) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Work with a file-based task queue",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "queue directory (default <workspace>/.bmad/queue)")

	open := func() (*queue.Queue, error) {
		d := dir
		if d == "" {
			d = filepath.Join(cfg.Workspace, ".bmad", "queue")
		}
		return queue.Open(d)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "put [payload-file]",
			Short: "Enqueue a task (from a file, or stdin when omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				q, err := open()
				if err != nil {
					return err
				}
				var payload []byte
				if len(args) == 1 {
					if payload, err = os.ReadFile(args[0]); err != nil {
						return err
					}
				} else if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
				id, err := q.Put(payload)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List pending task IDs, oldest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				q, err := open()
				if err != nil {
					return err
				}
				ids, err := q.List()
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "read <task-id>",
			Short: "Print a task's payload without removing it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				q, err := open()
				if err != nil {
					return err
				}
				data, err := q.Read(args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "complete <task-id>",
			Short: "Archive a finished task under processed/",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				q, err := open()
				if err != nil {
					return err
				}
				return q.Complete(args[0])
			},
		},
		&cobra.Command{
			Use:   "fail <task-id>",
			Short: "Archive a failed task under failed/",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				q, err := open()
				if err != nil {
					return err
				}
				return q.Fail(args[0])
			},
		},
	)
	return cmd
}
