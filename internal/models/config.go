package models

import "time"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Engine   EngineConfig
	Sweeper  SweeperConfig
	Ledger   LedgerConfig
	SeedFile string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// EngineConfig holds match lifecycle settings
type EngineConfig struct {
	MatchExpiryWindow time.Duration
	LedgerTimeout     time.Duration
}

// SweeperConfig holds expiry sweep settings
type SweeperConfig struct {
	Enabled  bool
	Interval time.Duration
}

// LedgerConfig selects and configures the escrow ledger backend
type LedgerConfig struct {
	Backend  string // "sqlite" or "formance"
	Formance FormanceConfig
}

// FormanceConfig holds Formance Stack connection settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}
