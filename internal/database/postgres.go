package database

import (
	"context"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/freedkr/docgather/internal/config"
)

// PostgreSQLDB 持久化facade背后的GORM连接：DSN拼装、search_path设置、
// 连接池调优。
type PostgreSQLDB struct {
	db     *gorm.DB
	schema string
}

// NewPostgreSQLDB 建立数据库连接，设置search_path与连接池参数
func NewPostgreSQLDB(cfg *config.PostgresConfig) (*PostgreSQLDB, error) {
	schema := cfg.Schema
	if schema == "" {
		schema = "docgather"
		log.Printf("WARNING: Schema为空，使用默认值: docgather")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, schema)

	gormConfig := &gorm.Config{}
	if log.Default().Writer() == os.Stdout {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := db.Exec(fmt.Sprintf("SET search_path TO %s", schema)).Error; err != nil {
		return nil, fmt.Errorf("设置schema失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接池失败: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库ping失败: %w", err)
	}

	return &PostgreSQLDB{db: db, schema: schema}, nil
}

// CreateTables 使用AutoMigrate建立表结构
func (p *PostgreSQLDB) CreateTables(ctx context.Context) error {
	err := p.db.WithContext(ctx).AutoMigrate(
		&DocumentRecord{},
		&DocumentFileRecord{},
		&PrivateRecordRow{},
		&ProcessStepRow{},
	)
	if err != nil {
		return fmt.Errorf("自动迁移失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (p *PostgreSQLDB) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 测试连接
func (p *PostgreSQLDB) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// GetDB 获取原始GORM连接，供facade使用
func (p *PostgreSQLDB) GetDB() *gorm.DB {
	return p.db
}
