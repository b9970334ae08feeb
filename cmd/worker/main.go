package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chunkflow/internal/config"
	"github.com/suPer8Hu/chunkflow/internal/db"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
	"github.com/suPer8Hu/chunkflow/internal/logging"
	"github.com/suPer8Hu/chunkflow/internal/report"
	"github.com/suPer8Hu/chunkflow/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(append(delivery.Models(), &report.Report{})...); err != nil {
		slog.Error("automigrate failed", "error", err)
		os.Exit(1)
	}

	repo := delivery.NewRepo(gdb)
	journal := delivery.NewJournal(repo)
	reports := report.NewStore(gdb)
	gen := report.NewGenerator(reports, repo, cfg.ReportDir)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		slog.Error("rabbit dial failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		slog.Error("rabbit channel failed", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		slog.Error("queue declare failed", "error", err)
		os.Exit(1)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		slog.Error("qos failed", "error", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("consume failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// retries publish on the shared channel
	var pubMu sync.Mutex

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := slog.With("worker", workerID)
			for d := range jobs {
				job, err := rabbitmq.DecodeReportJob(d.Body)
				if err != nil {
					log.Warn("bad message", "error", err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, gen, journal, reports, job); err != nil {
					log.Error("report job failed", "report_id", job.ReportID, "attempt", rabbitmq.Attempt(d), "cost", time.Since(start), "error", err)
					pubMu.Lock()
					retried, rerr := rabbitmq.Retry(ctx, ch, cfg.RabbitQueue, d)
					pubMu.Unlock()
					if rerr != nil || !retried {
						_ = d.Nack(false, false)
						continue
					}
					_ = d.Ack(false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Warn("ack failed", "report_id", job.ReportID, "error", err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				slog.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, gen *report.Generator, journal *delivery.Journal, reports *report.Store, job rabbitmq.ReportJob) error {
	r, err := reports.Get(ctx, job.ReportID)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			// nothing to render into; retrying will not help
			slog.Warn("report row missing, dropping job", "report_id", job.ReportID)
			return nil
		}
		return err
	}
	if r.Status == report.StatusReady {
		return nil
	}

	records, err := journal.All(ctx, job.SessionID)
	if err != nil {
		return err
	}
	_, err = gen.Render(ctx, job.ReportID, job.SessionID, records)
	return err
}
