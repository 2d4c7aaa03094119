package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldops/internal/archive"
	"fieldops/internal/blob"
	"fieldops/internal/observability"
)

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Write, list and restore session snapshot archives",
	}
	cmd.AddCommand(newArchiveSaveCmd(a), newArchiveListCmd(a), newArchiveRestoreCmd(a))
	return cmd
}

func (a *app) archive(store blob.Store) *archive.Archive {
	return archive.New(store,
		archive.WithPrefix(a.cfg.Archive.Prefix),
		archive.WithInstruments(observability.Instruments{Logger: a.logger}),
	)
}

func newArchiveSaveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "save BLOC_ID...",
		Short: "Fetch blocs and write them as a new archive, pruning old ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, cleanup, err := a.openService(a.now())
			if err != nil {
				return err
			}
			defer cleanup()
			if _, err := svc.FetchMany(ctx, args); err != nil {
				return fmt.Errorf("fetch blocs: %w", err)
			}
			store, err := a.openBlobStore(ctx)
			if err != nil {
				return err
			}
			arc := a.archive(store)
			info, err := arc.Snapshot(ctx, svc)
			if err != nil {
				return err
			}
			if a.cfg.Archive.Keep > 0 {
				if _, err := arc.Prune(ctx, a.cfg.Archive.Keep); err != nil {
					return err
				}
			}
			return writeJSON(a.out, info)
		},
	}
}

func newArchiveListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archives, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openBlobStore(cmd.Context())
			if err != nil {
				return err
			}
			infos, err := a.archive(store).List(cmd.Context())
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Fprintf(a.out, "%s\t%d\t%s\n", info.Key, info.Size, info.LastModified.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

func newArchiveRestoreCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Load the latest archive into a session and print its rollups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			when, err := parseDate(at, a.now())
			if err != nil {
				return err
			}
			store, err := a.openBlobStore(ctx)
			if err != nil {
				return err
			}
			svc, cleanup, err := a.openService(when)
			if err != nil {
				return err
			}
			defer cleanup()
			doc, err := a.archive(store).Restore(ctx, svc)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(doc.Blocs))
			for _, snap := range doc.Blocs {
				ids = append(ids, snap.Bloc.ID)
			}
			reports, err := buildReports(svc, ids)
			if err != nil {
				return err
			}
			return writeJSON(a.out, reports)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference date for growth stages (YYYY-MM-DD, default today)")
	return cmd
}
