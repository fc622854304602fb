package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"folio/internal/domain"
	"folio/internal/store"
)

func sessionsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect cached brokerage sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached sessions of every configured account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(cmd.Context(), flags)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate [account]",
		Short: "Mark an account's cached session invalid without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invalidateSession(cmd.Context(), flags, args[0])
		},
	})
	return cmd
}

func listSessions(ctx context.Context, flags *rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	sessions, closeStore, err := openStore(cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := sessions.List(ctx)
	if err != nil {
		return err
	}
	byAccount := make(map[string]domain.SessionRecord, len(records))
	for _, rec := range records {
		byAccount[rec.AccountID] = rec
	}

	now := time.Now()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tVALID\tISSUED\tEXPIRES")
	for _, name := range cfg.AccountNames() {
		rec, ok := byAccount[name]
		if !ok {
			fmt.Fprintf(tw, "%s\tmissing\t-\t-\n", name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", name, rec.IsValid(now),
			rec.IssuedAt.Local().Format(time.DateTime), rec.ExpiresAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func invalidateSession(ctx context.Context, flags *rootFlags, account string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	sessions, closeStore, err := openStore(cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer closeStore()

	if err := sessions.Invalidate(ctx, account); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no cached session for %q", account)
		}
		return err
	}
	fmt.Printf("session for %s marked invalid\n", account)
	return nil
}
