package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/example/cart-service/internal/config"
	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/email"
	"github.com/example/cart-service/internal/infrastructure/kafka"
	"github.com/example/cart-service/internal/infrastructure/store"
	"github.com/example/cart-service/internal/notification"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Notifier] Configuration error: %v", err)
	}

	log.Println("[Notifier] ========================================")
	log.Println("[Notifier] Cart Abandonment Notifier")
	log.Println("[Notifier] ========================================")
	log.Printf("[Notifier] Kafka: %v", cfg.KafkaBrokers)
	log.Printf("[Notifier] Topic: %s (group %s)", cfg.KafkaTopic, cfg.ConsumerGroup)
	log.Printf("[Notifier] SMTP: %s:%s", cfg.SMTPHost, cfg.SMTPPort)
	log.Printf("[Notifier] Reminder after: %s", cfg.AbandonmentAfter)

	cartStore, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[Notifier] Failed to initialize cart store: %v", err)
	}
	defer cleanup()

	emailService := email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	directory := notification.NewHTTPDirectory(cfg.UserServiceURL, 2*time.Second)
	handler := notification.NewHandler(emailService, directory, storeReader{cartStore}, cfg.AbandonmentAfter)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ConsumerGroup)
	defer consumer.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("[Notifier] Starting Kafka consumer...")
		if err := consumer.Consume(ctx, handler.HandleEvent); err != nil {
			if ctx.Err() == nil {
				log.Printf("[Notifier] Consumer error: %v", err)
			}
		}
	}()

	// Sweep for abandoned carts on a fraction of the window so reminders
	// go out reasonably close to the deadline.
	sweepEvery := cfg.AbandonmentAfter / 4
	if sweepEvery > time.Hour {
		sweepEvery = time.Hour
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sent := handler.Sweep(ctx, time.Now()); sent > 0 {
					log.Printf("[Notifier] Sent %d abandonment reminders", sent)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[Notifier] Shutting down...")
	cancel()
	wg.Wait()
}

// storeReader adapts the durable store to the notifier's snapshot view.
type storeReader struct {
	store store.CartStore
}

func (r storeReader) GetCart(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error) {
	c, items, err := r.store.GetWithItems(ctx, owner)
	if errors.Is(err, cart.ErrCartNotFound) {
		empty := cart.Cart{OwnerKey: owner, Status: cart.StatusActive}
		empty.ApplyTotals(cart.ZeroTotals())
		return &cart.Snapshot{Cart: empty}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cart.Snapshot{Cart: *c, Items: items}, nil
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
		return store.NewDynamoCartStore(client, cfg.DynamoTable), func() {}, nil
	default:
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresCartStore(db), func() { db.Close() }, nil
	}
}
