package main

import (
	"io"

	"branch-ledger/internal/config"
	"branch-ledger/internal/database"
	"branch-ledger/internal/logging"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Offline-first branch ledger",
		Long: `Records income and expense entries at a branch and keeps them in sync
with the central cloud ledger.

Every setting can come from a YAML file (--config) or LEDGER_* environment
variables, e.g. LEDGER_CLOUD_API_URL or LEDGER_SQLITE_PATH.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(newLocalCommand(opts))
	cmd.AddCommand(newCloudCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newRecoverCommand(opts))
	cmd.AddCommand(newEntryCommand(opts))
	cmd.AddCommand(newBranchCommand(opts))

	return cmd
}

// env is what every command needs after startup.
type env struct {
	cfg    *config.Config
	db     *gorm.DB
	closer io.Closer
}

func (e *env) Close() {
	if e.db != nil {
		_ = database.Close(e.db)
	}
	if e.closer != nil {
		_ = e.closer.Close()
	}
}

// bootstrap loads config for role, installs the logger and opens the
// role's database with its migrations applied.
func bootstrap(opts *rootOptions, role config.Role) (*env, error) {
	cfg, err := config.Load(role, opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	closer, err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	cfg.LogWarnings()

	e := &env{cfg: cfg, closer: closer}
	gormLog := logging.GormLogger(cfg.DBLog)

	switch role {
	case config.RoleCloud:
		e.db, err = database.OpenCloud(cfg.DatabaseDSN, gormLog)
		if err == nil {
			err = database.MigrateCloud(e.db)
		}
	default:
		e.db, err = database.OpenLocal(cfg.SQLitePath, gormLog)
		if err == nil {
			err = database.MigrateLocal(e.db)
		}
	}
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
