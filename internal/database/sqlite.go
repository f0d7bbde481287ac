// Package database opens the SQLite stores and keeps their schemas current.
// The device store holds the projection tables, the journal, and the sync
// bookkeeping; the authority store holds only the global ledger.
package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/authority"
	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/device"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
	"github.com/vellumnotes/vellum/internal/snapshot"
)

// OpenDeviceStore establishes the device-side SQLite connection and performs
// schema migrations for the projection, journal, and sync state tables.
func OpenDeviceStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&entity.Note{},
		&entity.Notebook{},
		&entity.Tag{},
		&oplog.Operation{},
		&snapshot.Snapshot{},
		&conflict.Record{},
		&device.State{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger, deviceMigrations); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("device store initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenAuthorityStore establishes the authority-side SQLite connection and
// migrates the ledger schema.
func OpenAuthorityStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&authority.Entry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger, authorityMigrations); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("authority store initialized", zap.String("path", path))
	}
	return db, nil
}

// open connects to SQLite on a single connection. Every mutation path runs
// in a transaction, and one writer per file is the SQLite concurrency model
// anyway.
func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}
