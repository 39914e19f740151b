package gateway

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/appgate/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// initSchema はマイグレーションを実行してユーザーストアのスキーマを適用する。
func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := migration.Run(ctx, db, migrationsFS, "migrations")
	return err
}
