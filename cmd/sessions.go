package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/sessions"
	"github.com/kestrelbot/kestrel/internal/store/file"
	"github.com/kestrelbot/kestrel/internal/store/pg"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func openSessionStore(ctx context.Context) (sessions.Store, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Mode == "postgres" && cfg.Database.PostgresDSN != "" {
		pgStore, err := pg.Open(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pgStore, func() { pgStore.Close() }, nil
	}
	fileStore, err := file.New(cfg.SessionsDir())
	if err != nil {
		return nil, nil, err
	}
	return fileStore, func() {}, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeStore, err := openSessionStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			list, err := store.List(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tSTATE\tMESSAGES\tCOMPACTIONS\tLAST ACTIVE")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					s.ID, s.Channel, s.State, s.MessageCount, s.CompactionCount,
					s.LastActive.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, closeStore, err := openSessionStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted session %s\n", args[0])
			return nil
		},
	}
}
