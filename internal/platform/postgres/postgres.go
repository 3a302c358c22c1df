package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dwellfi/provision-brain/internal/platform/envutil"
)

// Open connects to the metadata database named by POSTGRES_DSN. The Brain
// only reads controller and tenant rows from it; job state lives in Redis.
func Open() (*gorm.DB, error) {
	dsn := envutil.String("POSTGRES_DSN", "")
	if dsn == "" {
		return nil, fmt.Errorf("missing POSTGRES_DSN")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	return db, nil
}
