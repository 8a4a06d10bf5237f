package models

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	sqliteEncrypt "github.com/Daskott/gorm-sqlite-cipher"
	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/logger"
	"github.com/tidewatch/smartsos/shared"
	"github.com/tidewatch/smartsos/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

const (
	DB_NAME = "smartsos.db"

	MEMORY_DRIVER   = "memory"
	SQLITE_DRIVER   = "sqlite"
	POSTGRES_DRIVER = "postgres"
)

var logg = logger.NewLogger()

// Open connects to the database selected by config.Storage.Driver and
// migrates the schema.
func Open(config shared.ServerConfig) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	switch config.Storage.Driver {
	case SQLITE_DRIVER:
		db, err = OpenSqlite(config.Sqlite.PassPhrase, config.Sqlite.Dir)
	case POSTGRES_DRIVER:
		db, err = OpenPostgres(config.Postgres.DSN)
	default:
		return nil, fmt.Errorf("storage driver %q has no database", config.Storage.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err = AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// OpenSqlite opens the encrypted sqlite database under <rootDir>/db.
func OpenSqlite(passPhrase string, rootDir string) (*gorm.DB, error) {
	if passPhrase == "" {
		return nil, fmt.Errorf("sqlite.passPhrase is required for the sqlite driver")
	}

	dsn, err := dbDSN(passPhrase, rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to set sqlite DSN: %v", err)
	}

	db, err := gorm.Open(sqliteEncrypt.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %v", err)
	}

	// sqlite allows one writer; a single connection keeps transactions from
	// failing with "database is locked"
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres.dsn is required for the postgres driver")
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %v", err)
	}

	return db, nil
}

// AutoMigrate auto-migrates the db schema and adds the index that allows
// one active alert per user
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(&Alert{}, &EmergencyContact{})
	if err != nil {
		return err
	}

	quoted := ""
	for i, status := range alert.ActiveStatuses {
		if i > 0 {
			quoted += ", "
		}
		quoted += fmt.Sprintf("'%s'", status)
	}

	err = db.Exec(fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_active_per_user ON alerts (user_id) WHERE status IN (%s)",
		quoted,
	)).Error
	if err != nil {
		return fmt.Errorf("failed to create active alert index: %v", err)
	}

	logg.Infof("Database schema migrated (%v)", db.Dialector.Name())

	return nil
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				LogLevel:                  gormLogger.Silent,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	}
}

func dbDSN(passPhrase string, dbRootDir string) (string, error) {
	dbDir, err := DbDirectory(dbRootDir)
	if err != nil {
		return "", err
	}

	dbFilePath := filepath.Join(dbDir, DB_NAME)
	dbName := fmt.Sprintf("file:%v", dbFilePath)

	return fmt.Sprintf(
		"%v?_pragma_key=%s&_pragma_cipher_page_size=4096&_journal_mode=WAL&_busy_timeout=5000",
		dbName,
		passPhrase,
	), nil
}

func DbDirectory(dbRootDir string) (string, error) {
	dbDir := filepath.Join(dbRootDir, "db")

	err := utils.CreateDirIfNotExist(dbDir)
	if err != nil {
		return "", err
	}

	return dbDir, nil
}
