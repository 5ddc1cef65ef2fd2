package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/maintenance"
	"github.com/mohammad-safakhou/linsight/internal/runtime"
	srv "github.com/mohammad-safakhou/linsight/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, WebSocket bridge and session workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, cancel := runtime.SignalContext(context.Background(), "linsight")
			defer cancel()

			tele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName:    "linsight",
				ServiceVersion: Version,
			})
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() { _ = tele.Shutdown(context.Background()) }()

			if cfg.Server.MigrateOnStartup {
				dsn, err := runtime.BuildPostgresDSN(cfg)
				if err != nil {
					return err
				}
				if err := srv.Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			app, err := runtime.NewAppContext(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(context.Background()); err != nil {
					log.Printf("close: %v", err)
				}
			}()
			app.Start(ctx)

			var locker maintenance.Locker
			if app.Redis != nil {
				locker = maintenance.RedisLocker{Client: app.Redis}
			}
			sweeper, err := maintenance.NewSweeper(cfg.Maintenance, app.Store, locker, cfg.Linsight.EventBus.KeyPrefix)
			if err != nil {
				return err
			}
			go sweeper.Run(ctx)

			server, err := srv.NewFromApp(app, tele)
			if err != nil {
				return err
			}
			return server.Run(ctx, cfg.Server.Address)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	return serve
}
