package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rescuebite/surplus-reserve/internal/config"
	"github.com/rescuebite/surplus-reserve/internal/engine"
	"github.com/rescuebite/surplus-reserve/internal/httpx"
	"github.com/rescuebite/surplus-reserve/internal/impact"
	kafkax "github.com/rescuebite/surplus-reserve/internal/kafka"
	"github.com/rescuebite/surplus-reserve/internal/postgres"
	"github.com/rescuebite/surplus-reserve/internal/redisx"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, reservations.TopicReservationCreated, 1024)
	pCreated.Start(ctx)
	pStatus := kafkax.NewProducer(cfg.KafkaBrokers, reservations.TopicStatusChanged, 1024)
	pStatus.Start(ctx)

	// Engine with explicit dependencies; no ambient clients
	store := engine.NewPostgresStore(db)
	eng := engine.New(store, store,
		&engine.KafkaEmitter{Created: pCreated, Status: pStatus, Service: cfg.ServiceName},
		&engine.RedisCache{R: rdb},
		engine.Policy{
			CancelWindow:        cfg.CancelWindow,
			RequireConfirmation: cfg.RequireConfirmation,
			ConflictRetries:     cfg.ConflictRetries,
		})

	agg := &impact.Aggregator{
		Source:          &impact.PostgresSource{DB: db},
		Rollup:          &impact.RedisRollup{R: rdb},
		CO2GramsPerUnit: cfg.CO2GramsPerUnit,
	}

	router := httpx.NewRouter()
	h := &httpx.ReservationsHandler{
		Engine: eng,
		Impact: agg,
		Redis:  rdb,
		QR:     httpx.PickupQR{BaseURL: cfg.QRBaseURL},
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	pCreated.Close()
	pStatus.Close()
	pCreated.WaitClosed()
	pStatus.WaitClosed()
}
