package main

import (
	"fmt"
	"log/slog"

	"github.com/meteredchan/meteredchan/internal/config"
	"github.com/meteredchan/meteredchan/internal/database"
	"github.com/meteredchan/meteredchan/internal/storage"
	gormstorage "github.com/meteredchan/meteredchan/internal/storage/gorm"
	influxstorage "github.com/meteredchan/meteredchan/internal/storage/influx"
	"github.com/meteredchan/meteredchan/internal/storage/memory"
	sqlitestorage "github.com/meteredchan/meteredchan/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

// createStorageBackend builds the sample sink selected by storageCfg.Type.
// The returned backend is not yet initialized.
func createStorageBackend(storageCfg config.StorageConfig, zlog zerolog.Logger, logger *slog.Logger) (storage.Backend, error) {
	switch storageCfg.Type {
	case "memory", "":
		logger.Info("Memory storage backend selected", "outputDir", storageCfg.Memory.OutputDir)
		return memory.New(storageCfg.Memory), nil

	case "sqlite":
		dbm := database.NewManager(zlog)
		if err := dbm.OpenSQLite(""); err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		logger.Info("SQLite storage backend selected", "dumpPath", storageCfg.SQLite.DumpPath)
		return sqlitestorage.New(storageCfg.SQLite, dbm.DB, logger), nil

	case "postgres":
		dbm := database.NewManager(zlog)
		if err := dbm.OpenPostgres(storageCfg.Postgres); err != nil {
			return nil, fmt.Errorf("failed to create Postgres backend: %w", err)
		}
		if err := dbm.Setup(ServiceName); err != nil {
			return nil, err
		}
		logger.Info("Postgres storage backend selected")
		return &closingBackend{
			Backend: gormstorage.New(gormstorage.Dependencies{DB: dbm.DB, Logger: logger, BatchSize: 10000}),
			close:   dbm.Close,
		}, nil

	case "influx":
		logger.Info("InfluxDB storage backend selected")
		return influxstorage.New(storageCfg.Influx, zlog), nil

	case "none":
		return storage.Discard{}, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageCfg.Type)
	}
}

// closingBackend releases a connection the wrapped backend does not own.
type closingBackend struct {
	storage.Backend
	close func() error
}

func (b *closingBackend) Close() error {
	if err := b.Backend.Close(); err != nil {
		return err
	}
	return b.close()
}
