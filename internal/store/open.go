package store

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rspadim/oms-position/internal/config"
)

// Open builds a *gorm.DB from Settings and runs AutoMigrate for every table
// this package owns. Table names follow original_source's MySQL schema
// (position_orders, position_positions, position_deals, ...).
func Open(cfg *config.Settings) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLDatabase,
	)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain sql.DB handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MySQLMaxPoolSize)
	sqlDB.SetMaxIdleConns(cfg.MySQLMinPoolSize)

	if err := db.AutoMigrate(
		&accountRow{}, &accountCredentialsRow{}, &orderRow{}, &dealRow{}, &positionRow{},
		&positionCommandRow{}, &queueItemRow{}, &closeLockRow{}, &reconciliationCursorRow{},
		&eventOutboxRow{}, &ccxtOrderRawRow{}, &ccxtTradeRawRow{},
		&apiKeyAccountPermissionRow{}, &apiKeyStrategyPermissionRow{},
		&userRow{}, &userAPIKeyRow{}, &authTokenRow{}, &strategyRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate schema: %w", err)
	}
	return db, nil
}
