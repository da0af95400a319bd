package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// User is a row of the CI server's users table.
type User struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ForgeID       int64  `gorm:"column:forge_id"`
	ForgeRemoteID string `gorm:"column:forge_remote_id"`
	Login         string `gorm:"column:login"`
	AccessToken   string `gorm:"column:access_token"`
	Admin         bool   `gorm:"column:admin"`
	Hash          string `gorm:"column:hash"`
}

func (User) TableName() string {
	return "users"
}

// Connect opens the CI server's database. Only the mysql driver is
// supported here; sqlite deployments are reached through their volume.
func Connect(driver, dsn string, log logrus.FieldLogger) (*gorm.DB, error) {
	if driver != "mysql" {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("empty datasource for driver %q", driver)
	}

	newLogger := logger.New(
		log,
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
