package bootstrap

import (
	"fmt"

	"chainwatch/config"
	"chainwatch/ingest"
	"chainwatch/storage"

	"go.uber.org/zap"
)

// InitArchive opens the dead letter archive. It returns nils when
// storage.sqlite_path is empty.
func InitArchive(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, *ingest.SQLiteArchive, error) {
	path := cfg.Storage.SQLitePath
	if path == "" {
		sugar.Info("Dead letter archive disabled")
		return nil, nil, nil
	}

	db, err := storage.NewSQLite(path, sugar)
	if err != nil {
		sugar.Error(ClassifySQLiteError(err, path))
		return nil, nil, fmt.Errorf("failed to open dead letter archive: %w", err)
	}

	archive, err := ingest.NewSQLiteArchive(db.DB, sugar)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	sugar.Infow("Dead letter archive ready", "path", path)
	return db, archive, nil
}
