package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/handlers"
	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/ZkNoid/wizard-battle-sub004/services"
	"github.com/ZkNoid/wizard-battle-sub004/utils"
	"github.com/ZkNoid/wizard-battle-sub004/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	instanceID := utils.EnvStr("INSTANCE_ID", uuid.NewString()[:8])

	app := fiber.New(fiber.Config{
		ReadBufferSize: 16 * 1024,
	})

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
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, User-Agent, Cache-Control, X-Service-Token",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Shared room store — every instance talks to the same Redis
	redisURL := utils.MustEnv("REDIS_URL")
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal("invalid REDIS_URL:", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("failed to connect to Redis:", err)
	}
	store := services.NewRedisRoomStore(rdb)

	// Durable commit jobs and the match archive
	dsn := utils.MustEnv("DATABASE_URL")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	if err := db.AutoMigrate(
		&models.CommitJob{},
		&models.MatchRecord{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	submitter := workers.NewRelaySubmitter()
	commitQueue := services.NewCommitQueueService(services.NewGormJobStore(db), submitter)

	engine := services.NewTurnEngine(
		store,
		services.NewEd25519Verifier(),
		services.NewReconciler(),
		commitQueue,
		db,
		services.DefaultEngineConfig(),
	)
	matchmaking := services.NewMatchmakingService(store, engine, commitQueue, instanceID)
	janitor := services.NewJanitorService(store, db)

	heartbeatTTL := utils.EnvDuration("HEARTBEAT_TTL", 45*time.Second)
	hub := services.NewHub(store, heartbeatTTL, func(ctx context.Context, playerID string) {
		engine.HandleDisconnect(ctx, playerID)
	})

	// Background drivers
	commitWorker := workers.NewChainSubmitWorker(commitQueue, utils.EnvDuration("COMMIT_POLL_INTERVAL", 5*time.Second))
	commitWorker.Start(ctx)
	go engine.RunDeadlineLoop(ctx, utils.EnvDuration("DEADLINE_SWEEP_INTERVAL", 1*time.Second))

	sched, err := services.StartMaintenanceScheduler(ctx, janitor, commitQueue)
	if err != nil {
		log.Fatal("failed to start maintenance scheduler:", err)
	}
	defer func() { _ = sched.Shutdown() }()

	handlers.SetupRealtimeRoutes(app, &handlers.RealtimeDeps{
		Hub:         hub,
		Store:       store,
		Matchmaking: matchmaking,
		Engine:      engine,
		Janitor:     janitor,
	})
	handlers.SetupOpsRoutes(app, &handlers.OpsDeps{
		Hub:     hub,
		Store:   store,
		Queue:   commitQueue,
		Janitor: janitor,
	})

	port := utils.EnvStr("PORT", "5300")
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Instance %s running on http://localhost:%s", instanceID, port)
	log.Println("✅ Chain submit worker running")
	log.Println("✅ Turn deadline loop running")
	log.Println("✅ Maintenance scheduler running (janitor + commit retention)")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
