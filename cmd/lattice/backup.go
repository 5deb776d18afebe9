package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/lattice/internal/backup"
	"github.com/HyphaGroup/lattice/internal/config"
	"github.com/HyphaGroup/lattice/internal/schedule"
	"github.com/HyphaGroup/lattice/internal/store"
)

var backupJSON bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the lattice databases",
	Long: `Take a compressed snapshot of lattice.db and, when schedules are enabled,
schedules.db. Snapshots are written to backup.directory and pruned to
backup.retention per database. Safe to run while the server is up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initStderrLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, closeFn, err := openBackupManager(cfg, true)
		if err != nil {
			return err
		}
		defer closeFn()

		snaps, err := mgr.BackupAll(cmd.Context())
		for _, s := range snaps {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", s.Filename, s.SizeBytes)
		}
		return err
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list [database]",
	Short: "List stored snapshots, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initStderrLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, closeFn, err := openBackupManager(cfg, false)
		if err != nil {
			return err
		}
		defer closeFn()

		if backupJSON {
			data, err := mgr.ExportManifest()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}

		source := ""
		if len(args) == 1 {
			source = args[0]
		}
		snaps, err := mgr.ListSnapshots(source)
		if err != nil {
			return err
		}
		return printSnapshots(cmd.OutOrStdout(), snaps)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot> <dest>",
	Short: "Decompress a snapshot to a new database file",
	Long: `Write the database held in a snapshot to dest. dest must not exist.
Stop the server and move the restored file over the live database to
complete a restore.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		initStderrLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, closeFn, err := openBackupManager(cfg, false)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := mgr.Restore(args[0], args[1]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupListCmd.Flags().BoolVar(&backupJSON, "json", false, "Output a JSON manifest")
}

// openBackupManager builds a manager over the configured databases. Sources
// are only opened when withSources is set.
func openBackupManager(cfg *config.Config, withSources bool) (*backup.Manager, func(), error) {
	sources := map[string]backup.Source{}
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if withSources {
		st, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open message store: %w", err)
		}
		closers = append(closers, func() { _ = st.Close() })
		sources["lattice"] = st

		if cfg.Schedules.Enabled {
			schedules, err := schedule.NewStore(cfg.Store.DataDir)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("open schedule store: %w", err)
			}
			closers = append(closers, func() { _ = schedules.Close() })
			sources["schedules"] = schedules
		}
	}

	mgr, err := backup.New(backup.Config{
		BackupDir: cfg.Backup.Directory,
		Retention: cfg.Backup.Retention,
	}, sources)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return mgr, closeAll, nil
}

func printSnapshots(out io.Writer, snaps []backup.Snapshot) error {
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(out, "No snapshots.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATABASE\tTAKEN\tSIZE\tFILE")
	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Source, s.Timestamp.Format("2006-01-02 15:04:05"), s.SizeBytes, s.Filename)
	}
	return w.Flush()
}
