package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rescuebite/surplus-reserve/internal/config"
	"github.com/rescuebite/surplus-reserve/internal/impact"
	kafkax "github.com/rescuebite/surplus-reserve/internal/kafka"
	"github.com/rescuebite/surplus-reserve/internal/notifier"
	"github.com/rescuebite/surplus-reserve/internal/redisx"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	service := cfg.ServiceName + "-notifier"
	svc := &notifier.Service{
		Dedup:       &notifier.RedisDeduper{R: rdb, Service: service},
		Rollup:      &impact.RedisRollup{R: rdb},
		ServiceName: service,
	}

	group := getenv("NOTIFIER_GROUP", "notifier-svc")
	workers := mustAtoi(os.Getenv("NOTIFIER_WORKERS"), "8")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, reservations.TopicStatusChanged, workers)

	go func() {
		log.Printf("notifier consumer started: group=%s topic=%s workers=%d", group, reservations.TopicStatusChanged, workers)
		if err := cons.Start(ctx, svc.HandleStatusChanged); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down consumer...")
	cancel()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}
