// strand-soak hammers a queue with concurrent producers and verifies the
// serial execution contract: per-producer submission order, no overlapping
// tasks, and delayed operations that survive heavy schedule/cancel churn.
// Usage: go run ./cmd/strand-soak -producers 8 -tasks 1000 -churn 200
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/strand"
	"github.com/seantiz/strand/backoff"
)

func main() {
	producers := flag.Int("producers", 8, "concurrent producer goroutines")
	tasks := flag.Int("tasks", 1000, "tasks per producer")
	churn := flag.Int("churn", 200, "delayed operations to schedule and cancel")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	queue := strand.NewAsyncQueue(strand.NewSerialExecutor("soak", logger), logger)
	defer queue.Shutdown()

	var inFlight atomic.Int32
	var overlaps atomic.Int64
	perProducer := make([][]int, *producers)

	start := time.Now()
	var g errgroup.Group
	for p := 0; p < *producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < *tasks; i++ {
				i := i
				queue.Enqueue(func() {
					if inFlight.Add(1) != 1 {
						overlaps.Add(1)
					}
					perProducer[p] = append(perProducer[p], i)
					inFlight.Add(-1)
				})
			}
			return nil
		})
	}

	// Delayed churn alongside the producers: short timers under a handful of
	// rotating tags, half of them cancelled in bulk while the rest fire.
	g.Go(func() error {
		for i := 0; i < *churn; i++ {
			tag := strand.Tag(fmt.Sprintf("churn-%d", i%4))
			queue.EnqueueAfterDelay(time.Duration(5+i%40)*time.Millisecond, tag, func() {})
			if i%2 == 1 {
				queue.CancelDelayedOperations(tag)
			}
		}
		return nil
	})

	// A flaky operation retried through the backoff helper while the
	// producers hammer the queue. Attempts run as queue tasks, so the
	// counter needs no lock.
	attempts := 0
	retried := make(chan struct{})
	retry := backoff.New(queue, "soak-retry", backoff.Options{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Logger:       logger,
	})
	var attempt func()
	attempt = func() {
		attempts++
		if attempts < 5 {
			retry.BackoffAndRun(attempt)
			return
		}
		retry.Reset()
		close(retried)
	}
	retry.BackoffAndRun(attempt)

	if err := g.Wait(); err != nil {
		log.Fatalf("producers: %v", err)
	}
	select {
	case <-retried:
	case <-time.After(time.Minute):
		log.Fatal("backoff retries never completed")
	}

	// Expedite whatever delayed work is still outstanding, then drain.
	queue.RunScheduledOperationsUntil("")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := queue.Wait(ctx); err != nil {
		log.Fatalf("drain: %v", err)
	}

	failures := 0
	if n := overlaps.Load(); n > 0 {
		failures++
		logger.Error("tasks overlapped", "count", n)
	}
	for p, seen := range perProducer {
		if len(seen) != *tasks {
			failures++
			logger.Error("task count mismatch", "producer", p, "ran", len(seen), "want", *tasks)
			continue
		}
		for i, v := range seen {
			if v != i {
				failures++
				logger.Error("submission order violated", "producer", p, "index", i, "got", v)
				break
			}
		}
	}

	stats := queue.Stats()
	logger.Info("soak complete",
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
		"enqueued", stats.Enqueued,
		"executed", stats.Executed,
		"scheduled", stats.Scheduled,
		"cancelled", stats.Cancelled,
		"expedited", stats.Expedited,
		"outstanding_delayed", stats.OutstandingDelayed,
	)

	if failures > 0 {
		log.Fatalf("soak failed: %d contract violations", failures)
	}
	logger.Info("all contracts held",
		"producers", *producers,
		"tasks_per_producer", *tasks,
		"churned_delayed", *churn,
		"retry_attempts", attempts,
	)
}
