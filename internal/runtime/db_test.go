package runtime

import (
	"testing"

	"github.com/mohammad-safakhou/linsight/config"
)

func TestBuildPostgresDSN(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Postgres = config.PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "linsight"}
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if dsn != "postgres://u:p@db:5432/linsight?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	cfg.Storage.Postgres.URL = "postgres://override"
	if dsn, _ := BuildPostgresDSN(cfg); dsn != "postgres://override" {
		t.Fatalf("url should win, got %q", dsn)
	}
	if _, err := BuildPostgresDSN(&config.Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
