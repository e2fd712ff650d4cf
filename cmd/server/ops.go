package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"branch-ledger/internal/audit"
	"branch-ledger/internal/cloud"
	"branch-ledger/internal/config"
	"branch-ledger/internal/ledger"
	"branch-ledger/internal/models"
	"branch-ledger/internal/syncer"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ---- sync ----

type syncOptions struct {
	*rootOptions
	Retry []string
}

func newSyncCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &syncOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Push the oldest pending batch to the cloud ledger and print the outcome.
With --retry, send the given rejected entries again instead.

Example:
  ledger sync
  ledger sync --retry 0195a1b2-... --retry 0195a1b3-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(opts.rootOptions, config.RoleLocal)
			if err != nil {
				return err
			}
			defer e.Close()

			node, err := newBranchNode(cmd.Context(), e)
			if err != nil {
				return err
			}
			if node.sync == nil {
				return errors.New("sync is disabled: set cloud_api_url")
			}

			var res syncer.CycleResult
			if len(opts.Retry) > 0 {
				res, err = node.sync.RetryFailed(cmd.Context(), opts.Retry)
			} else {
				res, err = node.sync.SyncNow(cmd.Context())
			}
			if err != nil && res.StartedAt.IsZero() {
				return err
			}
			if perr := printJSON(cmd.OutOrStdout(), cycleSummary(res)); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.Flags().StringArrayVar(&opts.Retry, "retry", nil, "id of a failed entry to send again (repeatable)")
	return cmd
}

type cycleOutput struct {
	Trigger      syncer.Trigger      `json:"trigger"`
	Connectivity models.Connectivity `json:"connectivity"`
	Attempted    int                 `json:"attempted"`
	Synced       int                 `json:"synced"`
	Failed       map[string]string   `json:"failed,omitempty"`
	Deferred     int                 `json:"deferred"`
	Error        string              `json:"error,omitempty"`
}

func cycleSummary(res syncer.CycleResult) cycleOutput {
	out := cycleOutput{
		Trigger:      res.Trigger,
		Connectivity: res.Connectivity,
		Attempted:    res.Attempted,
		Synced:       res.Synced,
		Failed:       res.Failed,
		Deferred:     res.Deferred,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// ---- status ----

type statusOutput struct {
	Counts               map[models.SyncState]int64 `json:"counts"`
	Unsynced             int64                      `json:"unsynced"`
	LastSuccessfulSyncAt *time.Time                 `json:"last_successful_sync_at"`
	LastRun              *audit.SyncRunResponse     `json:"last_run,omitempty"`
	SyncEnabled          bool                       `json:"sync_enabled"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local backlog and last sync, read from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(opts, config.RoleLocal)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			repo := ledger.NewRepository(e.db)
			history := audit.NewService(e.db, zerolog.Nop())

			counts, err := repo.CountByState(ctx)
			if err != nil {
				return err
			}
			last, err := history.LastOnline(ctx)
			if err != nil {
				return err
			}
			runs, err := history.ListRuns(ctx, audit.RunFilter{Limit: 1})
			if err != nil {
				return err
			}

			out := statusOutput{
				Counts:               counts,
				Unsynced:             counts[models.SyncStatePending] + counts[models.SyncStateSyncing] + counts[models.SyncStateFailed],
				LastSuccessfulSyncAt: last,
				SyncEnabled:          e.cfg.SyncEnabled(),
			}
			if len(runs) > 0 {
				r := audit.ToResponse(runs[0])
				out.LastRun = &r
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// ---- recover ----

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return entries stuck in syncing to pending",
		Long: `Entries are left in syncing when the process dies mid-upload. The branch
server does this sweep on startup; run it by hand only while the server is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(opts, config.RoleLocal)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := ledger.NewRepository(e.db).RecoverStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries returned to pending\n", n)
			return nil
		},
	}
}

// ---- entry ----

type entryAddOptions struct {
	*rootOptions
	BranchID    string
	Type        string
	Category    string
	Amount      string
	Description string
}

func newEntryCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Work with local entries",
	}
	cmd.AddCommand(newEntryAddCommand(rootOpts))
	return cmd
}

func newEntryAddCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &entryAddOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an entry in the local store",
		Long: `Record an income (IN) or expense (OUT) entry. It is stored locally and
uploaded by the next sync cycle.

Example:
  ledger entry add --type IN --category sales --amount 12.50 --description lunch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(opts.rootOptions, config.RoleLocal)
			if err != nil {
				return err
			}
			defer e.Close()

			amount, err := ledger.ParseAmount(opts.Amount)
			if err != nil {
				return err
			}
			branchID := opts.BranchID
			if branchID == "" {
				branchID = e.cfg.BranchID
			}

			created, err := ledger.NewRepository(e.db).Create(cmd.Context(), ledger.NewEntry{
				BranchID:    branchID,
				Type:        models.EntryType(opts.Type),
				Category:    opts.Category,
				Amount:      amount,
				Description: opts.Description,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}

	cmd.Flags().StringVar(&opts.BranchID, "branch", "", "branch id (defaults to branch_id from config)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "IN or OUT (required)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category (required)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "decimal amount, e.g. 12.50 (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "free text")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

// ---- branch ----

type branchAddOptions struct {
	*rootOptions
	ID   string
	Code string
	Name string
}

func newBranchCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches on the cloud ledger",
	}
	cmd.AddCommand(newBranchAddCommand(rootOpts))
	return cmd
}

func newBranchAddCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &branchAddOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a branch and print its API key",
		Long: `Register a branch with the cloud ledger. The API key is printed once;
put it in the branch's branch_api_key setting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(opts.rootOptions, config.RoleCloud)
			if err != nil {
				return err
			}
			defer e.Close()

			branch, key, err := cloud.RegisterBranch(cmd.Context(), e.db, cloud.CreateBranchRequest{
				ID:   opts.ID,
				Code: opts.Code,
				Name: opts.Name,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"id":      branch.ID,
				"code":    branch.Code,
				"name":    branch.Name,
				"api_key": key,
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "branch id (generated when empty)")
	cmd.Flags().StringVar(&opts.Code, "code", "", "short unique code, e.g. IST01 (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name (required)")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
