package orm

import (
	"fmt"
	"time"

	_ "github.com/lib/pq" // database/sql 驱动 "postgres"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TypeMySQL    = "mysql"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

type Config struct {
	Type        string `mapstructure:"type"`         // mysql / postgres / sqlite
	DSN         string `mapstructure:"source_name"`  // 连接字符串
	MaxIdle     int    `mapstructure:"max_idle"`     // 最大空闲连接
	MaxOpen     int    `mapstructure:"max_open"`     // 最大打开连接
	MaxLifetime int    `mapstructure:"max_lifetime"` // 连接存活秒数
	LogSQL      bool   `mapstructure:"log_sql"`
}

func dialector(c *Config) (gorm.Dialector, error) {
	switch c.Type {
	case "", TypeMySQL:
		return mysql.Open(c.DSN), nil
	case TypePostgres:
		// 走 lib/pq 的 database/sql 驱动
		return postgres.New(postgres.Config{DriverName: "postgres", DSN: c.DSN}), nil
	case TypeSQLite:
		return sqlite.Open(c.DSN), nil
	default:
		return nil, fmt.Errorf("orm: unsupported db type %q", c.Type)
	}
}

// Open 按 Type 初始化 GORM
func Open(c *Config) (*gorm.DB, error) {
	d, err := dialector(c)
	if err != nil {
		return nil, err
	}

	level := logger.Warn
	if c.LogSQL {
		level = logger.Info // 开发环境打印 SQL
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(level),
		// 唯一键冲突翻译成 gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("orm: connect %s: %w", c.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 连接池
	if c.Type == TypeSQLite {
		// sqlite 单写者，一个连接让事务在库内排队
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}
	return db, nil
}
