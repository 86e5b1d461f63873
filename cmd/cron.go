package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronRunsCmd())
	return cmd
}

func openJobStore() (*cron.JobStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	jobsFile := cfg.Cron.JobsFile
	if jobsFile == "" {
		jobsFile = config.ExpandHome("~/.kestrel/cron/jobs.json")
	}
	return cron.NewJobStore(jobsFile), nil
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJobStore()
			if err != nil {
				return err
			}
			jobs, err := store.Load()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs configured")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tACTIONS\tRUNS\tFAILS\tLAST RUN")
			for _, j := range jobs {
				lastRun := "never"
				if j.LastRun != nil {
					lastRun = j.LastRun.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\t%d\t%d\t%s\n",
					j.ID, j.Name, j.Schedule, j.Enabled, len(j.Actions), j.RunCount, j.FailCount, lastRun)
			}
			return w.Flush()
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name     string
		schedule string
		message  string
		prompt   string
		channel  string
		chatID   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cron.ValidateSchedule(schedule); err != nil {
				return err
			}
			if message == "" && prompt == "" {
				return fmt.Errorf("either --message or --prompt is required")
			}

			var actions []cron.Action
			if message != "" {
				actions = append(actions, cron.Action{Type: cron.ActionMessage, Text: message})
			}
			if prompt != "" {
				actions = append(actions, cron.Action{Type: cron.ActionAgent, Prompt: prompt})
			}

			job := cron.Job{
				ID:       uuid.NewString(),
				Name:     name,
				Schedule: schedule,
				Channel:  channel,
				ChatID:   chatID,
				Actions:  actions,
				Enabled:  true,
			}

			store, err := openJobStore()
			if err != nil {
				return err
			}
			jobs, err := store.Load()
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
			if err := store.Save(jobs); err != nil {
				return err
			}
			fmt.Printf("added job %s (%s)\n", job.ID, job.Schedule)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression or @reboot")
	cmd.Flags().StringVar(&message, "message", "", "static message to deliver")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to run through the agent")
	cmd.Flags().StringVar(&channel, "channel", "cron", "delivery channel")
	cmd.Flags().StringVar(&chatID, "chat", "", "delivery chat id")
	cmd.MarkFlagRequired("schedule")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJobStore()
			if err != nil {
				return err
			}
			jobs, err := store.Load()
			if err != nil {
				return err
			}

			kept := jobs[:0]
			found := false
			for _, j := range jobs {
				if j.ID == args[0] {
					found = true
					continue
				}
				kept = append(kept, j)
			}
			if !found {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err := store.Save(kept); err != nil {
				return err
			}
			fmt.Printf("removed job %s\n", args[0])
			return nil
		},
	}
}

func cronRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <job-id>",
		Short: "Show recent runs for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			logDB := cfg.Cron.LogDB
			if logDB == "" {
				logDB = config.ExpandHome("~/.kestrel/cron/runs.db")
			}
			runlog, err := cron.OpenRunLog(logDB)
			if err != nil {
				return err
			}
			defer runlog.Close()

			runs, err := runlog.Recent(context.Background(), args[0], limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSTATUS\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.Status, r.DurationMS, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
