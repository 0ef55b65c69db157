package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"indexcheck/internal/config"
	"indexcheck/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// pure-Go driver registered as "sqlite"
	_ "modernc.org/sqlite"
)

// Models lists every table the service owns, in migration order.
func Models() []interface{} {
	return []interface{}{
		&model.CreditConfig{},
		&model.CreditLog{},
		&model.CreditReservation{},
		&model.Project{},
		&model.URL{},
		&model.Domain{},
		&model.OutboxMessage{},
	}
}

// Init opens the configured database and migrates it.
func Init(cfg *config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.Database.LogLevel)),
	}

	switch cfg.Database.Driver {
	case "", "mysql":
		db, err = openMySQL(&cfg.MySQL, gormCfg)
	case "sqlite":
		db, err = OpenSQLite(cfg.SQLite.Path, gormCfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	log.Printf("[Database] %s connected", cfg.Database.Driver)
	return db, nil
}

func openMySQL(cfg *config.MySQLConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// OpenSQLite opens path with the pure-Go driver. SQLite allows one writer at a
// time, so the pool is pinned to a single connection and transactions queue up
// instead of failing with SQLITE_BUSY.
func OpenSQLite(path string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if gormCfg == nil {
		gormCfg = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	db, err := gorm.Open(sqlite.New(sqlite.Config{
		DriverName: "sqlite",
		DSN:        path,
	}), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return db, nil
}

func logLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
