package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/laterpay/internal/access"
	"github.com/terminal-bench/laterpay/internal/approval"
	"github.com/terminal-bench/laterpay/internal/auth"
	dbmigrate "github.com/terminal-bench/laterpay/internal/db"
	"github.com/terminal-bench/laterpay/internal/engine"
	"github.com/terminal-bench/laterpay/internal/gateway"
	"github.com/terminal-bench/laterpay/internal/token"
	"github.com/terminal-bench/laterpay/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	owner := os.Getenv("OWNER_ACCOUNT")
	if owner == "" {
		log.Fatal("OWNER_ACCOUNT must be set")
	}

	engineAccount := os.Getenv("ENGINE_ACCOUNT")
	if engineAccount == "" {
		engineAccount = "laterpay-engine"
	}

	tokenID := os.Getenv("TOKEN_ID")
	if tokenID == "" {
		tokenID = "tusdt"
	}

	decimals := int64(6)
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			log.Fatalf("Invalid TOKEN_DECIMALS: %v", err)
		}
		decimals = parsed
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		ledgerStore approval.Store
		adminStore  access.Store
		bank        token.Bank
	)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		if err := dbmigrate.Migrate(ctx, db); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		ledgerStore = approval.NewPostgresStore(db)
		adminStore = access.NewPostgresStore(db)
		bank = token.NewPostgresBank(db, int32(decimals))
	} else {
		log.Printf("DATABASE_URL not set, using in-memory stores")
		ledgerStore = approval.NewMemoryStore()
		adminStore = access.NewMemoryStore()
		bank = token.NewMemoryBank(int32(decimals))
	}

	var events messaging.Publisher
	var natsClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		client, err := messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "laterpay-engine",
			ReconnectWait:  time.Second,
			MaxReconnects:  5,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer client.Close()
		events = client
		natsClient = client
	}

	var cache *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cache = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	acl, err := access.NewControl(ctx, owner, adminStore, events)
	if err != nil {
		log.Fatalf("Failed to initialize access control: %v", err)
	}

	eng := engine.New(engine.Config{
		Account: engineAccount,
		TokenID: tokenID,
	}, ledgerStore, acl, bank, events, cache)

	tokens := auth.NewService(jwtSecret, 24*time.Hour)
	gw := gateway.New(eng, bank, tokens)

	if natsClient != nil {
		if err := gw.BridgeEvents(natsClient); err != nil {
			log.Fatalf("Failed to bridge events: %v", err)
		}
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Router(),
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("laterpay engine listening on :%s (owner=%s)", port, owner)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
