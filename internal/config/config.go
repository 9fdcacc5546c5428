package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Server holds canonical ledger configuration. Loaded once at startup and
// passed by reference; nothing in here is mutated after Load.
type Server struct {
	Port           string
	DefaultBalance decimal.Decimal

	Database Database
	Redis    Redis
}

// Database holds Postgres connection settings.
type Database struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Redis holds the optional server-side cache settings. An empty Host disables
// the cache entirely.
type Redis struct {
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

// Terminal holds fare terminal configuration.
type Terminal struct {
	ID             string
	ServerURL      string
	Fare           decimal.Decimal
	DefaultBalance decimal.Decimal

	// OverdraftFloor is the lowest balance an offline payment may leave on a
	// card. Nil means no floor: the terminal soft-enforces and lets balances
	// go negative, settling up when the ledger is reachable again.
	OverdraftFloor *decimal.Decimal

	JournalDir  string
	BalanceFile string

	EncryptionPassphrase string
	EncryptionSalt       string

	RequestTimeout    time.Duration
	ProbeInterval     time.Duration
	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
}

func initViper() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

// LoadServer reads ledger configuration from .env and the environment.
func LoadServer() *Server {
	initViper()

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.default_balance", "50.00")
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.default_balance", "DEFAULT_BALANCE")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "farecard")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.SetDefault("redis.host", "")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", 30*time.Second)
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	return &Server{
		Port:           viper.GetString("server.port"),
		DefaultBalance: mustDecimal(viper.GetString("server.default_balance"), "50.00"),
		Database: Database{
			Host:            viper.GetString("database.host"),
			Port:            viper.GetString("database.port"),
			User:            viper.GetString("database.user"),
			Password:        viper.GetString("database.password"),
			Name:            viper.GetString("database.name"),
			SSLMode:         viper.GetString("database.ssl_mode"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: Redis{
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetString("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			TTL:      viper.GetDuration("redis.ttl"),
		},
	}
}

// LoadTerminal reads terminal configuration from .env and the environment.
func LoadTerminal() *Terminal {
	initViper()

	viper.SetDefault("terminal.id", "")
	viper.SetDefault("terminal.server_url", "http://localhost:8080")
	viper.SetDefault("terminal.fare", "2.50")
	viper.SetDefault("terminal.default_balance", "50.00")
	viper.SetDefault("terminal.overdraft_floor", "")
	viper.SetDefault("terminal.journal_dir", "journal")
	viper.SetDefault("terminal.balance_file", "balances.json")
	viper.SetDefault("terminal.encryption_passphrase", "")
	viper.SetDefault("terminal.encryption_salt", "farecard_terminal_salt")
	viper.SetDefault("terminal.request_timeout", 5*time.Second)
	viper.SetDefault("terminal.probe_interval", 30*time.Second)
	viper.SetDefault("terminal.sync_interval", 5*time.Minute)
	viper.SetDefault("terminal.heartbeat_interval", time.Minute)
	viper.BindEnv("terminal.id", "TERMINAL_ID")
	viper.BindEnv("terminal.server_url", "SERVER_URL")
	viper.BindEnv("terminal.fare", "FARE_AMOUNT")
	viper.BindEnv("terminal.default_balance", "DEFAULT_BALANCE")
	viper.BindEnv("terminal.overdraft_floor", "OVERDRAFT_FLOOR")
	viper.BindEnv("terminal.journal_dir", "JOURNAL_DIR")
	viper.BindEnv("terminal.balance_file", "BALANCE_FILE")
	viper.BindEnv("terminal.encryption_passphrase", "ENCRYPTION_PASSPHRASE")
	viper.BindEnv("terminal.encryption_salt", "ENCRYPTION_SALT")

	cfg := &Terminal{
		ID:                   viper.GetString("terminal.id"),
		ServerURL:            viper.GetString("terminal.server_url"),
		Fare:                 mustDecimal(viper.GetString("terminal.fare"), "2.50"),
		DefaultBalance:       mustDecimal(viper.GetString("terminal.default_balance"), "50.00"),
		JournalDir:           viper.GetString("terminal.journal_dir"),
		BalanceFile:          viper.GetString("terminal.balance_file"),
		EncryptionPassphrase: viper.GetString("terminal.encryption_passphrase"),
		EncryptionSalt:       viper.GetString("terminal.encryption_salt"),
		RequestTimeout:       viper.GetDuration("terminal.request_timeout"),
		ProbeInterval:        viper.GetDuration("terminal.probe_interval"),
		SyncInterval:         viper.GetDuration("terminal.sync_interval"),
		HeartbeatInterval:    viper.GetDuration("terminal.heartbeat_interval"),
	}

	if raw := viper.GetString("terminal.overdraft_floor"); raw != "" {
		if floor, err := decimal.NewFromString(raw); err == nil {
			cfg.OverdraftFloor = &floor
		}
	}

	return cfg
}

func mustDecimal(raw, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}
