package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/runtime"
)

func sopCMD(cfgPath *string) *cobra.Command {
	var sop = &cobra.Command{
		Use:   "sop",
		Short: "Maintain the SOP library index",
	}

	var (
		purge    bool
		pageSize int
	)
	var reindex = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the on-disk keyword index of the SOP library from Postgres",
		Long: "Rebuilds linsight.retriever.index_dir from inspiration_sop. The server holds the index " +
			"open while running, so stop it first. In-memory indices are rebuilt on every server start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			dir := cfg.Linsight.Retriever.IndexDir
			if dir == "" {
				return fmt.Errorf("linsight.retriever.index_dir is not set; in-memory indices are rebuilt at server start")
			}
			if purge {
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("purge %s: %w", dir, err)
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			st, err := runtime.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			// Keyword only: vectors live in process memory and need the embedding model.
			ret, kw, err := runtime.NewRetriever(cfg.Linsight.Retriever, nil)
			if err != nil {
				return err
			}
			if kw == nil {
				return fmt.Errorf("keyword retrieval is disabled, nothing to rebuild")
			}
			defer func() { _ = kw.Close() }()
			n, err := ret.ReindexSOPs(ctx, st, pageSize)
			if err != nil {
				return err
			}
			log.Printf("indexed %d SOPs into %s", n, dir)
			return nil
		},
	}
	reindex.Flags().BoolVar(&purge, "purge", false, "delete the index directory first so removed SOPs disappear")
	reindex.Flags().IntVar(&pageSize, "page-size", 200, "rows loaded per query")

	sop.AddCommand(reindex)
	return sop
}
