package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/runtime"
)

// tokenCMD signs a development token with the configured secret.
func tokenCMD(cfgPath *string) *cobra.Command {
	var (
		userID int64
		admin  bool
		ttl    time.Duration
	)
	var token = &cobra.Command{
		Use:   "token",
		Short: "Print a signed JWT for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user must be a positive id")
			}
			cfg := config.LoadConfig(*cfgPath)
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			var scopes []string
			if admin {
				scopes = append(scopes, runtime.ScopeAdmin)
			}
			tok, err := runtime.SignJWT(userID, secret, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().Int64Var(&userID, "user", 0, "numeric user id")
	token.Flags().BoolVar(&admin, "admin", false, "grant the linsight:admin scope")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return token
}
