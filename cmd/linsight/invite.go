package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/invite"
	"github.com/mohammad-safakhou/linsight/internal/runtime"
)

func inviteCMD(cfgPath *string) *cobra.Command {
	var inv = &cobra.Command{
		Use:   "invite",
		Short: "Manage invite codes",
	}

	var (
		batch     string
		count     int
		limit     int
		createdBy int64
		asJSON    bool
	)
	var generate = &cobra.Command{
		Use:   "generate",
		Short: "Mint a batch of checksummed invite codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 || count > 10000 {
				return fmt.Errorf("count must be within [1,10000]")
			}
			cfg := config.LoadConfig(*cfgPath)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			st, err := runtime.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			codes, err := invite.NewGate(st, nil).Mint(ctx, invite.Batch{Name: batch, Count: count, Limit: limit, CreatedBy: createdBy})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(codes)
			}
			for _, c := range codes {
				fmt.Println(c.Code)
			}
			return nil
		},
	}
	generate.Flags().StringVar(&batch, "batch", "", "batch name")
	generate.Flags().IntVar(&count, "count", 10, "number of codes")
	generate.Flags().IntVar(&limit, "limit", 5, "runs granted per code")
	generate.Flags().Int64Var(&createdBy, "created-by", 0, "admin user id recorded on the batch")
	generate.Flags().BoolVar(&asJSON, "json", false, "print full records as JSON")
	_ = generate.MarkFlagRequired("batch")

	inv.AddCommand(generate)
	return inv
}
