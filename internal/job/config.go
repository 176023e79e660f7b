package job

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DBConfig holds the Job Store's durable-backend configuration (spec §6
// "Storage interface (consumed)"). Mirrors the teacher's own
// cloud/internal/job/config.go: ORBITMESH_DB_TYPE selects sqlite or mysql
// (unset selects the in-memory store), loaded from the environment or an
// optional .env file.
type DBConfig struct {
	Type string // "sqlite" or "mysql"; "" means use the in-memory store

	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string
	MySQLParams   string

	SQLitePath string
}

// LoadDBConfigFromEnv loads DBConfig from the environment, trying a few
// candidate .env locations first (teacher's own lookup order).
func LoadDBConfigFromEnv() (*DBConfig, error) {
	for i := 0; i < 4; i++ {
		envPath := ".env"
		if i > 0 {
			envPath = strings.Repeat("../", i) + ".env"
		}
		if err := godotenv.Load(envPath); err == nil {
			break
		}
	}

	cfg := &DBConfig{}
	cfg.Type = strings.ToLower(strings.TrimSpace(os.Getenv("ORBITMESH_DB_TYPE")))

	switch cfg.Type {
	case "mysql":
		cfg.MySQLHost = os.Getenv("ORBITMESH_MYSQL_HOST")
		cfg.MySQLUser = os.Getenv("ORBITMESH_MYSQL_USER")
		cfg.MySQLPassword = os.Getenv("ORBITMESH_MYSQL_PASSWORD")
		cfg.MySQLDatabase = os.Getenv("ORBITMESH_MYSQL_DATABASE")
		cfg.MySQLParams = os.Getenv("ORBITMESH_MYSQL_PARAMS")
		if cfg.MySQLHost == "" || cfg.MySQLUser == "" || cfg.MySQLDatabase == "" {
			return nil, fmt.Errorf("ORBITMESH_MYSQL_HOST, _USER and _DATABASE are required when ORBITMESH_DB_TYPE=mysql")
		}
		cfg.MySQLPort = 3306
		if p := os.Getenv("ORBITMESH_MYSQL_PORT"); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid ORBITMESH_MYSQL_PORT: %w", err)
			}
			cfg.MySQLPort = port
		}
		if cfg.MySQLParams == "" {
			cfg.MySQLParams = "charset=utf8mb4&parseTime=True&loc=Local"
		}
	case "sqlite":
		cfg.SQLitePath = os.Getenv("ORBITMESH_SQLITE_PATH")
		if cfg.SQLitePath == "" {
			cfg.SQLitePath = "orbitmesh.db"
		}
	}

	return cfg, nil
}

// IsMySQLConfigured reports whether MySQL is actually set up (vs. defaults).
func (c *DBConfig) IsMySQLConfigured() bool {
	return c.Type == "mysql" && c.MySQLHost != "" && c.MySQLUser != "" && c.MySQLDatabase != ""
}

// IsSQLiteConfigured reports whether the sqlite backend was requested.
func (c *DBConfig) IsSQLiteConfigured() bool {
	return c.Type == "sqlite" && c.SQLitePath != ""
}
