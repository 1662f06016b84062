package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chapter_dues/internal/tasks"
)

func runTaskCmd() *cobra.Command {
	var rawArgs map[string]string
	cmd := &cobra.Command{
		Use:   "run-task [name]",
		Short: "Run a worker task once and record the run",
		Long: `Run a worker task once. Available tasks:
  charge_due_installments        charge installments that are due (limit)
  reconcile_processing_payments  re-check stale gateway payments (min_age_minutes, abandon_after_hours, limit)
  send_balance_reminders         email members who owe dues (chapter_id, overdue_only)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			registry := tasks.NewRegistry()
			tasks.DefineTasks(registry, tasks.Deps{Store: a.Store, Payments: a.Payments, Mail: a.Mail, Logger: a.Log})

			taskArgs := make(map[string]interface{}, len(rawArgs))
			for k, v := range rawArgs {
				taskArgs[k] = argValue(v)
			}

			run, err := tasks.NewRunner(registry, a.Store, a.Log).Run(cmd.Context(), args[0], taskArgs)
			if err != nil {
				return fmt.Errorf("%w (known tasks: %s)", err, strings.Join(registry.Names(), ", "))
			}
			result, _ := json.Marshal(run.Result)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %dms: %s\n", run.TaskName, run.Status, run.Runtime, result)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&rawArgs, "arg", nil, "Task argument as key=value, repeatable")
	return cmd
}

func taskRunsCmd() *cobra.Command {
	var name string
	var limit int
	cmd := &cobra.Command{
		Use:   "task-runs",
		Short: "List recent task runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Store.RecentTaskRuns(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No task runs recorded")
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("%s  %-30s  %-9s  %6dms", r.RunAt.Format("2006-01-02 15:04:05"), r.TaskName, r.Status, r.Runtime)
				if r.Error != "" {
					line += "  " + r.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "task", "t", "", "Only show runs of this task")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show")
	return cmd
}
