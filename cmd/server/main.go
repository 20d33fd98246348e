package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/cmd/server/config"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/adapters/httpapi"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/audit"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/booking"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/observability"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/realtime"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"

	"github.com/joho/godotenv"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// healthServiceName is what probes ask the gRPC health endpoint about.
const healthServiceName = "booking.BookingOrchestrator"

func main() {
	// Best effort; real env vars win over .env entries.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	sagaEnv, err := config.LoadSaga()
	if err != nil {
		return err
	}
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	hub := realtime.NewHub()
	go hub.Run(ctx)

	sinks := []*saga.Events{
		observability.EventsSink(metrics),
		realtime.EventsSink(hub),
	}
	if path := os.Getenv("AUDIT_LOG"); path != "" {
		auditLog, err := audit.Open(path)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		sinks = append(sinks, audit.EventsSink(auditLog, log.Printf))
	}

	b, err := buildBackends(ctx, log.Printf)
	if err != nil {
		return err
	}
	defer b.cleanup()

	orch := saga.NewOrchestrator(
		b.store,
		b.idem,
		booking.Steps(b.inv, b.pay, b.book, b.notifier),
		sagaConfig(sagaEnv, metrics),
		saga.Options{
			Events: saga.FanoutEvents(sinks...),
			Logf:   log.Printf,
		},
	)
	svc := booking.NewService(orch, booking.ServiceOptions{Logf: log.Printf})
	defer svc.Close()

	sweeper := saga.NewSweeper(b.store, orch, saga.SweeperConfig{
		Interval:    sagaEnv.SweepInterval,
		ResumeAfter: sagaEnv.SweepResumeAfter,
		Limit:       sagaEnv.SweepLimit,
		Purge:       b.purge,
		Logf:        log.Printf,
	})
	go sweeper.Run(ctx)

	api := httpapi.NewServer(svc, log.Printf)
	mux := api.Routes()
	mux.HandleFunc("GET /ws", hub.ServeWS)

	handler := http.Handler(mux)
	if httpCfg.RateLimitBurst > 0 {
		handler = httpapi.RateLimit(booking.NewRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst), handler)
	}
	handler = httpapi.RequestLog(log.Printf, handler)

	apiSrv := &http.Server{Addr: httpCfg.Addr, Handler: handler}

	obsSrv, err := startObservabilityServer(metrics)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", ":50051")
	if err != nil {
		return err
	}
	grpcSrv := grpcpkg.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	healthServer.SetServingStatus(healthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcSrv)
		log.Println("gRPC reflection enabled (APP_ENV=", env, ")")
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("booking API listening on %s", httpCfg.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.Println("gRPC health endpoint listening on :50051")
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus(healthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().SagasActive)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		if obsSrv != nil {
			_ = obsSrv.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// sagaConfig maps env tuning onto the orchestrator config. The backoff sleep
// is decorated so time spent waiting on retries shows up in the metrics
// snapshot.
func sagaConfig(env config.SagaConfig, metrics *observability.Metrics) saga.Config {
	return saga.Config{
		MaxAttempts:       env.MaxAttempts,
		ConflictRetries:   env.ConflictRetries,
		BackoffBase:       env.BackoffBase,
		BackoffMultiplier: env.BackoffMultiplier,
		BackoffCap:        env.BackoffCap,
		StepTimeout:       env.StepTimeout,
		Sleep: func(ctx context.Context, d time.Duration) error {
			metrics.AddRetryWait(d)
			return saga.SleepWithContext(ctx, d)
		},
	}
}

func startObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv, nil
}
