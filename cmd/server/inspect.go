package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/outreach/internal/config"
	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/store"
)

type inspection struct {
	Session  *domain.WorkflowSession `json:"session"`
	Records  []domain.Record         `json:"records"`
	Attempts []domain.StageAttempt   `json:"attempts"`
}

func newInspectCommand() *cobra.Command {
	var userID, campaignID string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a campaign's stored session, records and attempts as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := domain.NewTenantKey(userID, campaignID)
			if !key.Valid() {
				return errors.New("both --user and --campaign are required")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			repo, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer repo.Close()

			out, err := inspect(cmd.Context(), repo, key)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	return cmd
}

func inspect(ctx context.Context, repo store.Repository, key domain.TenantKey) (*inspection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	session, err := repo.LoadSession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("no session for user %q campaign %q", key.UserID, key.CampaignID)
	}
	records, err := repo.ListRecords(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	attempts, err := repo.ListAttempts(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return &inspection{Session: session, Records: records, Attempts: attempts}, nil
}
