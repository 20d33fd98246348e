package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"strings"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/cmd/server/config"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/booking"
	bookingdb "github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/db/booking"
	sagadb "github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/db/saga"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/idempotency"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/notify"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

var openBookingDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// backends carries the storage and client graph the orchestrator runs on.
type backends struct {
	store    saga.StateStore
	idem     saga.IdempotencyStore
	inv      booking.InventoryClient
	pay      booking.PaymentClient
	book     booking.BookingClient
	notifier booking.NotifyClient

	// purge trims idempotency retention; nil when the store expires records
	// itself.
	purge   func(context.Context) error
	cleanup func()
}

const idempotencyRetention = 24 * time.Hour

// buildBackends wires the saga stores and step clients from env. Postgres
// (DATABASE_URL) backs state, inventory, payments, and bookings; Redis
// (REDIS_URL) backs idempotency and the notification stream. Either can be
// absent: missing or failing pieces fall back to in-memory stand-ins so a dev
// checkout runs with no infrastructure at all.
func buildBackends(ctx context.Context, logf func(format string, args ...any)) (*backends, error) {
	if logf == nil {
		logf = log.Printf
	}

	memIdem := saga.NewMemoryIdempotencyStore()
	b := &backends{
		store:    saga.NewMemoryStateStore(),
		idem:     memIdem,
		inv:      booking.NewMemoryInventory(),
		pay:      booking.NewMemoryPayments(),
		book:     booking.NewMemoryBookings(),
		notifier: booking.NoopNotifier{},
		purge: func(ctx context.Context) error {
			_, err := memIdem.PurgeOlderThan(ctx, idempotencyRetention)
			return err
		},
	}
	cleanups := []func(){}
	b.cleanup = func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		sqlDB, err := openBookingDB("pgx", dsn)
		if err != nil {
			logf("postgres open failed, falling back to in-memory state: %v", err)
		} else if err := b.usePostgres(ctx, sqlDB); err != nil {
			logf("postgres init failed, falling back to in-memory state: %v", err)
			_ = sqlDB.Close()
		} else {
			logf("postgres saga state enabled")
			cleanups = append(cleanups, func() {
				if err := sqlDB.Close(); err != nil {
					logf("close postgres: %v", err)
				}
			})
		}
	}

	if config.RedisEnabled() {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			b.cleanup()
			return nil, err
		}
		client, err := newRedisClient(ctx, redisCfg)
		if err != nil {
			logf("redis connect failed, falling back to in-memory idempotency: %v", err)
		} else {
			logf("redis idempotency and notifications enabled")
			b.idem = idempotency.NewRedisStore(client, idempotency.Options{
				Retention: redisCfg.IdempotencyTTL,
			})
			// Redis expires records via TTL, so the sweeper has nothing to
			// purge.
			b.purge = nil
			b.notifier = notify.NewStreamQueue(client, redisCfg.NotifyStream)
			cleanups = append(cleanups, func() {
				if err := client.Close(); err != nil {
					logf("close redis: %v", err)
				}
			})
		}
	}

	guardCfg, err := booking.LoadGuardConfigFromEnv()
	if err != nil {
		b.cleanup()
		return nil, err
	}
	b.inv, b.pay = booking.Guard(b.inv, b.pay, guardCfg)

	return b, nil
}

// usePostgres swaps the in-memory defaults for Postgres-backed stores and
// clients, sharing one connection pool.
func (b *backends) usePostgres(ctx context.Context, sqlDB *sql.DB) error {
	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := sagadb.NewStateStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		return err
	}
	idem, err := sagadb.NewIdempotencyStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		return err
	}
	inv, err := bookingdb.NewInventoryClientWithSchema(setupCtx, sqlDB)
	if err != nil {
		return err
	}
	pay, err := bookingdb.NewPaymentClientWithSchema(setupCtx, sqlDB)
	if err != nil {
		return err
	}
	book, err := bookingdb.NewBookingClientWithSchema(setupCtx, sqlDB)
	if err != nil {
		return err
	}

	b.store = store
	b.idem = idem
	b.inv = inv
	b.pay = pay
	b.book = book
	b.purge = func(ctx context.Context) error {
		_, err := idem.PurgeOlderThan(ctx, idempotencyRetention)
		return err
	}
	return nil
}
