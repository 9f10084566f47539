package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"table-settlement-system/chain"
	"table-settlement-system/handlers"
	"table-settlement-system/middleware"
	"table-settlement-system/models"
	"table-settlement-system/services"
	"table-settlement-system/utils"
	"table-settlement-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		ReadTimeout: 30 * time.Second,
	})

	// 🔐 GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-Idempotency-Key",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Table{},
		&models.Seat{},
		&models.SeatOccupancy{},
		&models.SettlementAttempt{},
		&models.SettlementRecord{},
		&models.OrphanedEscrow{},
		&models.LeaderboardEntry{},
		&models.WalletLink{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// --- Chain signer sidecar ---
	signerURL := os.Getenv("CHAIN_SIGNER_URL")
	if signerURL == "" {
		log.Fatal("CHAIN_SIGNER_URL environment variable not set")
	}
	signerToken := os.Getenv("CHAIN_SIGNER_TOKEN")
	if signerToken == "" {
		log.Fatal("CHAIN_SIGNER_TOKEN environment variable not set")
	}
	confirmTimeout := 90 * time.Second
	if v := os.Getenv("CHAIN_CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			confirmTimeout = d
		} else {
			log.Printf("⚠️  Ignoring bad CHAIN_CONFIRM_TIMEOUT %q: %v", v, err)
		}
	}
	gateway := chain.NewSignerClient(signerURL, signerToken, confirmTimeout)

	// Audit archiver is optional: without R2 credentials the coordinator
	// runs, it just skips the archive sweeps.
	if enabled, err := utils.InitArchiver(); err != nil {
		log.Fatal("failed to initialize audit archiver:", err)
	} else if !enabled {
		log.Println("⚠️  R2 credentials not set — audit archiving disabled")
	}

	hub := services.NewSeatHub()
	provisionService := services.NewProvisionService(db, gateway)
	seatService := services.NewSeatService(db, hub)
	settlementService := services.NewSettlementService(db, gateway, hub)
	walletService := services.NewWalletService(db)
	leaderboardService := services.NewLeaderboardService(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconciler := workers.NewReconciler(db, gateway, settlementService)
	reconciler.Start(ctx)

	handlers.SetupTableRoutes(app, provisionService, seatService, settlementService)
	handlers.SetupWalletRoutes(app, walletService)
	handlers.SetupLeaderboardRoutes(app, leaderboardService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
