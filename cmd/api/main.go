package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/example/cart-service/internal/api"
	"github.com/example/cart-service/internal/auth"
	"github.com/example/cart-service/internal/availability"
	"github.com/example/cart-service/internal/config"
	"github.com/example/cart-service/internal/coupon"
	"github.com/example/cart-service/internal/engine"
	"github.com/example/cart-service/internal/infrastructure/cache"
	"github.com/example/cart-service/internal/infrastructure/kafka"
	"github.com/example/cart-service/internal/infrastructure/store"
	"github.com/example/cart-service/internal/policy"
	"github.com/example/cart-service/internal/pricing"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[API] Configuration error: %v", err)
	}

	log.Println("[API] ========================================")
	log.Println("[API] Cart Service")
	log.Println("[API] ========================================")
	log.Printf("[API] Store backend: %s", cfg.StoreBackend)
	log.Printf("[API] Kafka: %v", cfg.KafkaBrokers)
	log.Printf("[API] Topic: %s", cfg.KafkaTopic)

	// Initialize Kafka producer
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	// Initialize the durable cart store
	cartStore, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[API] Failed to initialize cart store: %v", err)
	}
	defer cleanup()

	// Initialize Redis snapshot cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The engine degrades to the store, so a cold cache is not fatal.
		log.Printf("[API] Redis unreachable at startup: %v", err)
	} else {
		log.Printf("[API] Connected to Redis at %s", cfg.RedisAddr)
	}
	cartCache := cache.NewRedisCache(redisClient, cfg.CartTTL, cfg.SessionTTL)

	// Initialize collaborators
	products := availability.NewHTTPProvider(cfg.ProductServiceURL, 2*time.Second)
	var coupons pricing.CouponEvaluator = coupon.Disabled{}
	if cfg.CouponServiceURL != "" {
		coupons = coupon.NewHTTPValidator(cfg.CouponServiceURL, 2*time.Second)
	}

	cartPolicy := policy.New(cfg.TaxRate, cfg.FreeShippingThreshold, cfg.ShippingCost, cfg.MaxCartItems, cfg.MaxItemQuantity)

	cartEngine := engine.New(engine.Deps{
		Store:      cartStore,
		Cache:      cartCache,
		Pricing:    pricing.NewEngine(cartPolicy, coupons),
		Policy:     cartPolicy,
		Products:   products,
		Coupons:    coupons,
		Events:     producer,
		Currency:   cfg.Currency,
		CartTTL:    cfg.CartTTL,
		SessionTTL: cfg.SessionTTL,
	})

	// Periodic expiry sweep
	go func() {
		ticker := time.NewTicker(cfg.ExpiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := cartEngine.ExpireCarts(ctx)
				if err != nil {
					log.Printf("[API] Expiry sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("[API] Expired %d carts", n)
				}
			}
		}
	}()

	jwtService := auth.NewJWTService(cfg.JWTSecret, 15*time.Minute)
	handlers := api.NewHandlers(cartEngine)
	router := api.NewRouter(handlers, jwtService)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Printf("[API] Server started on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[API] Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[API] Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

// buildStore wires the configured durable backend.
func buildStore(ctx context.Context, cfg *config.Config) (store.CartStore, func(), error) {
	switch cfg.StoreBackend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg)
		log.Printf("[API] Using DynamoDB table %s", cfg.DynamoTable)
		return store.NewDynamoCartStore(client, cfg.DynamoTable), func() {}, nil
	default:
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresCartStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Println("[API] Connected to PostgreSQL")
		return pg, func() { db.Close() }, nil
	}
}
