package main

import (
	"context" // context package is needed for Redis operations
	"time"    // Limiter windows

	"github.com/gin-gonic/gin"     // Gin web framework
	"github.com/redis/go-redis/v9" // Redis client
	"github.com/sirupsen/logrus"   // Logrus for structured logging

	"marketplace/internal/api"              // HTTP handlers and router
	"marketplace/internal/auth"             // Wallet login
	"marketplace/internal/config"           // Configuration
	"marketplace/internal/db"               // Database connection
	"marketplace/internal/domain"           // Asset registry
	"marketplace/internal/escrow"           // Custodian
	"marketplace/internal/ledger"           // Ledger client
	"marketplace/internal/ledger/memledger" // In-process ledger
	"marketplace/internal/listings"         // Listing service
	"marketplace/internal/metrics"          // Prometheus
	"marketplace/internal/middleware"       // Rate limiters
	"marketplace/internal/store"            // Persistence
)

// Main function to set up and run the server
func main() {
	cfg, err := config.LoadConfig() // Load configuration
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}

	// Setup logger
	if cfg.IsProd {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode) // Set Mode to Release if in production
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// Connect to the database and bring the schema up to date
	gdb, err := db.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		logrus.Fatalf("failed to connect to DB: %v", err) // Fatal error if DB connection fails
	}
	if err := db.Migrate(gdb); err != nil {
		logrus.Fatalf("migration failed: %v", err)
	}

	client, authority, mints := setupLedger(cfg)
	assets, err := domain.NewAssetRegistry(mints, cfg.TokenDecimals)
	if err != nil {
		logrus.Fatalf("invalid mint configuration: %v", err)
	}
	for _, a := range assets.Configured() {
		logrus.WithFields(logrus.Fields{"token": a.Type, "mint": a.Mint}).Info("Asset configured")
	}

	m := metrics.New()
	custodian := escrow.New(client, authority, assets, escrow.Options{ConfirmTimeout: cfg.ConfirmTimeout, Metrics: m})
	authenticator := auth.New(store.NewUsers(gdb), auth.Config{
		ServiceName: cfg.ServiceName,
		Secret:      cfg.JWTSecret,
		TTL:         cfg.SessionTTL,
	})
	svc := listings.NewService(store.NewListings(gdb), custodian, assets, listings.Config{
		MinPrice:       cfg.MinPrice,
		RequireDeposit: cfg.RequireDepositProof,
		VerifyPayments: cfg.VerifyPayments,
		Lease:          cfg.SettlementLease,
		SettleTimeout:  cfg.SettlementTimeout,
		Metrics:        m,
	})

	global, mint := setupLimiters(cfg)
	r, err := api.NewRouter(api.Deps{
		Auth:           authenticator,
		Listings:       svc,
		Custodian:      custodian,
		Assets:         assets,
		Metrics:        m,
		GlobalLimiter:  global,
		MintLimiter:    mint,
		AllowedOrigins: cfg.CORSOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Network:        cfg.Network,
	})
	if err != nil {
		logrus.Fatalf("failed to build router: %v", err)
	}

	logrus.WithFields(logrus.Fields{"port": cfg.AppPort, "network": cfg.Network, "ledger": cfg.LedgerMode}).Info("Server running")
	if err := r.Run(":" + cfg.AppPort); err != nil { // Start the server on port cfg.AppPort
		logrus.Fatalf("server stopped: %v", err)
	}
}

// setupLedger returns the ledger client, the escrow authority and the mint addresses to trade
func setupLedger(cfg *config.Config) (ledger.Client, *escrow.Authority, map[domain.AssetType]string) {
	if cfg.LedgerMode == config.LedgerRPC {
		authority, err := escrow.NewAuthority(cfg.AuthorityPrivateKey)
		if err != nil {
			logrus.Fatalf("invalid AUTHORITY_PRIVATE_KEY: %v", err)
		}
		client := ledger.NewRPCClient(ledger.RPCConfig{Endpoint: cfg.RPCURL, ConfirmTimeout: cfg.ConfirmTimeout})
		return client, authority, cfg.Mints()
	}

	// Memory mode: a throwaway ledger whose mints are all controlled by the authority
	var authority *escrow.Authority
	if cfg.AuthorityPrivateKey != "" {
		a, err := escrow.NewAuthority(cfg.AuthorityPrivateKey)
		if err != nil {
			logrus.Fatalf("invalid AUTHORITY_PRIVATE_KEY: %v", err)
		}
		authority = a
	} else {
		key, _ := memledger.NewKey()
		authority = escrow.AuthorityFromKey(key)
		logrus.WithField("authority", authority.Public).Warn("Generated a throwaway escrow authority")
	}
	l := memledger.New()
	mints := make(map[domain.AssetType]string, len(domain.AssetTypes))
	for _, t := range domain.AssetTypes {
		_, addr := memledger.NewKey()
		l.CreateMint(addr, &authority.Public, cfg.TokenDecimals)
		mints[t] = addr.String()
	}
	return l, authority, mints
}

// setupLimiters shares limits through Redis when configured, otherwise keeps them per process
func setupLimiters(cfg *config.Config) (global, mint middleware.Limiter) {
	if cfg.RedisAddr == "" {
		logrus.Warn("REDIS_ADDR not set, rate limits are per process")
		return middleware.NewMemoryLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
			middleware.NewMemoryLimiter(cfg.MintRateLimit, cfg.MintRateWindow)
	}

	// Setup Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr, // Redis server address
		Password: cfg.RedisPass, // Redis password
		DB:       cfg.RedisDB,   // Redis database number
	})

	// Test Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logrus.Fatalf("failed to connect to Redis: %v", err)
	}
	return middleware.NewRedisLimiter(redisClient, "ratelimit:global:", cfg.RateLimitMax, cfg.RateLimitWindow),
		middleware.NewRedisLimiter(redisClient, "ratelimit:mint:", cfg.MintRateLimit, cfg.MintRateWindow)
}
