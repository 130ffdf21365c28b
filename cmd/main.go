/**
 * @description
 * This is the main entry point for the policy-service. It is responsible for
 * initializing all components of the service, including configuration, the
 * PostgreSQL ledger, the MongoDB product catalog, the message broker, the
 * settlement guard, the cron scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - go.mongodb.org/mongo-driver/v2: MongoDB driver for the catalog.
 * - internal/api, internal/app, internal/catalog, internal/config,
 *   internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/segura/policy-service/internal/api"
	"github.com/segura/policy-service/internal/app"
	"github.com/segura/policy-service/internal/catalog"
	"github.com/segura/policy-service/internal/config"
	"github.com/segura/policy-service/internal/store"
	"github.com/segura/policy-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting policy-service\" port=%s", cfg.ServerPort)

	// Converge the ledger schema before opening the pool.
	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"migrations applied\"")

	// Establish a connection pool to the PostgreSQL ledger.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"ledger database connected\"")

	// Connect to the MongoDB product catalog.
	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"mongo connection failed\" err=%v", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(disconnectCtx)
	}()

	catalogStore := catalog.NewMongoStore(mongoClient, cfg.MongoDatabase)
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelBoot()
	if err := catalogStore.EnsureIndexes(bootCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"catalog index setup failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"catalog connected\"")

	if cfg.CatalogSeed {
		seeded, err := catalogStore.SeedStarterProducts(bootCtx)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"catalog seed failed\" err=%v", err)
		}
		if seeded > 0 {
			log.Printf("level=info component=bootstrap msg=\"catalog seeded\" products=%d", seeded)
		}
	}

	// Initialize the RabbitMQ producer to publish settlement events.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Optional Redis-backed settlement replay guard.
	var guard app.SettlementGuard = app.NoopSettlementGuard{}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; settlement replay guard disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; settlement replay guard disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; settlement replay guard disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				guard = app.NewRedisSettlementGuard(
					redisClient,
					cfg.RedisSettlementPrefix,
					time.Duration(cfg.SettlementIdempotencyTTL)*time.Minute,
				)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer and core application service.
	repository := store.NewPostgresRepository(dbpool)
	coordinator := app.NewCoordinator(catalogStore)
	policyService := app.NewService(repository, coordinator, producer, guard, cfg.OpeningBalanceAmount())

	// Start the cron scheduler for the policy expiry sweep.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	jobs := app.NewJobs(policyService, slogger)
	scheduler := app.NewScheduler(jobs, slogger, cfg.ExpirySweepSchedule)
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Initialize the API handlers and router.
	policyHandlers := api.NewPolicyHandlers(policyService)
	router := chi.NewRouter()
	router.Mount("/", api.PolicyRoutes(policyHandlers, cfg.JWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
