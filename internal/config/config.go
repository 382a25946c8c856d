package config

import (
	"fmt"     // Error formatting
	"strings" // Ledger mode normalization
	"time"    // Durations

	"github.com/caarlos0/env/v11"   // Struct tags to environment variables
	"github.com/joho/godotenv"      // For loading .env files
	"github.com/shopspring/decimal" // Minimum price

	"marketplace/internal/domain" // Asset types
)

// Ledger modes
const (
	LedgerRPC    = "rpc"    // Talk to a real node
	LedgerMemory = "memory" // In-process ledger for local development
)

// Config holds the application configuration
type Config struct {
	AppPort string `env:"APP_PORT" envDefault:"3000"` // Application port
	IsProd  bool   `env:"IS_PROD"`                    // Is production environment

	DBDriver   string `env:"DB_DRIVER" envDefault:"mysql"`            // mysql or sqlite
	DBUser     string `env:"DB_USER"`                                 // Database user
	DBPassword string `env:"DB_PASSWORD"`                             // Database password
	DBHost     string `env:"DB_HOST" envDefault:"127.0.0.1"`          // Database host
	DBPort     string `env:"DB_PORT" envDefault:"3306"`               // Database port
	DBName     string `env:"DB_NAME" envDefault:"marketplace"`        // Database name
	SQLitePath string `env:"SQLITE_PATH" envDefault:"marketplace.db"` // SQLite file when DB_DRIVER=sqlite

	JWTSecret   string        `env:"JWT_SECRET,required,notEmpty"`               // JWT secret key
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"168h"`              // Session lifetime
	ServiceName string        `env:"SERVICE_NAME" envDefault:"monster-cocktail"` // Shown in the login challenge

	RedisAddr string `env:"REDIS_ADDR"` // Redis server address, empty for in-memory limits
	RedisPass string `env:"REDIS_PASS"` // Redis password
	RedisDB   int    `env:"REDIS_DB"`   // Redis database number

	RPCURL              string `env:"SOLANA_RPC_URL" envDefault:"https://api.devnet.solana.com"` // Ledger JSON-RPC endpoint
	Network             string `env:"SOLANA_NETWORK" envDefault:"devnet"`                        // Reported by /health
	LedgerMode          string `env:"LEDGER_MODE" envDefault:"rpc"`                              // rpc or memory
	AuthorityPrivateKey string `env:"AUTHORITY_PRIVATE_KEY"`                                     // Base58 escrow and mint authority key

	AppleJuiceMint  string `env:"APPLE_JUICE_MINT"`              // Apple juice mint
	OrangeJuiceMint string `env:"ORANGE_JUICE_MINT"`             // Orange juice mint
	GrapeSodaMint   string `env:"GRAPE_SODA_MINT"`               // Grape soda mint
	TokenDecimals   uint8  `env:"TOKEN_DECIMALS" envDefault:"9"` // Base-unit exponent shared by every mint

	ConfirmTimeout    time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"60s"`    // Upper bound on ledger confirmation
	SettlementTimeout time.Duration `env:"SETTLEMENT_TIMEOUT" envDefault:"90s"` // Upper bound on one whole escrow payout
	SettlementLease   time.Duration `env:"SETTLEMENT_LEASE" envDefault:"2m"`    // Purchase claim lifetime

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"` // Global limiter window
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"100"`    // Requests per client per window
	MintRateLimit   int           `env:"MINT_RATE_LIMIT" envDefault:"5"`     // Mints per wallet per window
	MintRateWindow  time.Duration `env:"MINT_RATE_WINDOW" envDefault:"1m"`   // Mint limiter window

	RequireDepositProof bool            `env:"REQUIRE_DEPOSIT_PROOF"`        // Verify escrow deposits on create
	VerifyPayments      bool            `env:"VERIFY_PAYMENTS"`              // Verify buyer payments on confirm
	MinPrice            decimal.Decimal `env:"MIN_PRICE" envDefault:"0.001"` // Lowest accepted listing price

	CORSOrigins    []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","` // Allowed browser origins
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`             // Proxies whose forwarding headers are honoured
}

// LoadConfig loads configuration from .env and environment variables
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Load .env file if present
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.LedgerMode = strings.ToLower(c.LedgerMode)
	if c.LedgerMode != LedgerRPC && c.LedgerMode != LedgerMemory {
		return fmt.Errorf("LEDGER_MODE must be %q or %q, got %q", LedgerRPC, LedgerMemory, c.LedgerMode)
	}
	if c.LedgerMode == LedgerRPC && c.AuthorityPrivateKey == "" {
		return fmt.Errorf("AUTHORITY_PRIVATE_KEY is required when LEDGER_MODE=%s", LedgerRPC)
	}
	// Confirmation is one step of a settlement, and a stale claim may be taken over, so:
	// CONFIRM_TIMEOUT < SETTLEMENT_TIMEOUT < SETTLEMENT_LEASE
	if c.SettlementTimeout <= c.ConfirmTimeout {
		return fmt.Errorf("SETTLEMENT_TIMEOUT (%s) must exceed CONFIRM_TIMEOUT (%s)", c.SettlementTimeout, c.ConfirmTimeout)
	}
	if c.SettlementLease <= c.SettlementTimeout {
		return fmt.Errorf("SETTLEMENT_LEASE (%s) must exceed SETTLEMENT_TIMEOUT (%s)", c.SettlementLease, c.SettlementTimeout)
	}
	return nil
}

// DSN returns the connection string for the configured driver
func (c *Config) DSN() string {
	if c.DBDriver == "sqlite" {
		return c.SQLitePath
	}
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true"
}

// Mints returns the configured mint address per asset, skipping unset ones
func (c *Config) Mints() map[domain.AssetType]string {
	mints := make(map[domain.AssetType]string, len(domain.AssetTypes))
	for t, addr := range map[domain.AssetType]string{
		domain.AppleJuice:  c.AppleJuiceMint,
		domain.OrangeJuice: c.OrangeJuiceMint,
		domain.GrapeSoda:   c.GrapeSodaMint,
	} {
		if addr != "" {
			mints[t] = addr
		}
	}
	return mints
}
