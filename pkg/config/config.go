package config

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xaenox/botadmin/internal/storage"
)

type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	Host             string        `mapstructure:"host" validate:"required_unless=UseInMemory true"`
	Port             int           `mapstructure:"port" validate:"min=1,max=65535"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	DBName           string        `mapstructure:"dbname" validate:"required_unless=UseInMemory true"`
	SSLMode          string        `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	UseInMemory      bool          `mapstructure:"use_in_memory"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
	MigrateOnConnect bool          `mapstructure:"migrate_on_connect"`
}

type TransactionConfig struct {
	MaxWait   time.Duration `mapstructure:"max_wait" validate:"min=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"min=0"`
	Isolation string        `mapstructure:"isolation" validate:"omitempty,oneof=read_uncommitted read_committed repeatable_read serializable"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" validate:"required_if=Enabled true"`
}

var isolationLevels = map[string]sql.IsolationLevel{
	"":                 sql.LevelDefault,
	"read_uncommitted": sql.LevelReadUncommitted,
	"read_committed":   sql.LevelReadCommitted,
	"repeatable_read":  sql.LevelRepeatableRead,
	"serializable":     sql.LevelSerializable,
}

// Storage returns the engine settings.
func (d DatabaseConfig) Storage() storage.DatabaseConfig {
	return storage.DatabaseConfig{
		Host:             d.Host,
		Port:             d.Port,
		User:             d.User,
		Password:         d.Password,
		DBName:           d.DBName,
		SSLMode:          d.SSLMode,
		UseInMemory:      d.UseInMemory,
		MaxOpenConns:     d.MaxOpenConns,
		MaxIdleConns:     d.MaxIdleConns,
		ConnMaxLifetime:  d.ConnMaxLifetime,
		MigrateOnConnect: d.MigrateOnConnect,
	}
}

// Options returns the default transaction options.
func (t TransactionConfig) Options() storage.TxOptions {
	return storage.TxOptions{
		Isolation: isolationLevels[t.Isolation],
		MaxWait:   t.MaxWait,
		Timeout:   t.Timeout,
	}
}

func (l LogConfig) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func parseDatabaseURL(dbURL string, base DatabaseConfig) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := "disable"
	if mode := u.Query().Get("sslmode"); mode != "" {
		sslMode = mode
	}

	out := base
	out.Host = u.Hostname()
	out.Port = port
	out.User = u.User.Username()
	out.Password = password
	out.DBName = dbName
	out.SSLMode = sslMode
	out.UseInMemory = false
	return out, nil
}

// loadEnvFile reads KEY=VALUE pairs from a .env file next to the config
// file. Variables already set in the environment win.
func loadEnvFile(path string) error {
	env := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(env); err != nil {
		return nil
	}
	return godotenv.Load(env)
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// validates the result. An empty path uses defaults and the environment
// only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "botadmin")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate_on_connect", false)
	v.SetDefault("transaction.max_wait", 2*time.Second)
	v.SetDefault("transaction.timeout", 5*time.Second)
	v.SetDefault("transaction.isolation", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "botadmin")

	// Enable environment variable support, DATABASE_HOST for database.host
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := loadEnvFile(path); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL, config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}
