// Package worker delivers queued notifications.
package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"repetitor/internal/metrics"
	"repetitor/internal/queue"
)

const maxMessageRunes = 4000

type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
	Enqueue(ctx context.Context, job queue.NotifyJob) (string, error)
}

// Sender delivers one text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Worker struct {
	sender        Sender
	queue         Queue
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Sender        Sender
	Queue         Queue
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		sender:        cfg.Sender,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger.With().Str("component", "notify_worker").Logger(),
		metrics:       m,
	}
}

// Start runs concurrency consumers until ctx is done. Cancellation is a clean
// stop, also when it lands before the consumer group exists.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle delivers one message. A failed delivery is re-enqueued with the
// attempt count bumped until maxJobRetries, then dropped.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.deliver(ctx, msg.Job)
	if err == nil {
		w.metrics.Notifications.WithLabelValues("sent").Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	log.Warn().Err(err).Str("job_id", msg.Job.JobID).Str("kind", msg.Job.Kind).Int("attempt", msg.Job.Attempts).Msg("notification failed")

	if msg.Job.Attempts < w.maxJobRetries {
		w.metrics.Notifications.WithLabelValues("retried").Inc()
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	w.metrics.Notifications.WithLabelValues("dropped").Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Str("kind", msg.Job.Kind).Msg("notification dropped after retries")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

func (w *Worker) deliver(ctx context.Context, job queue.NotifyJob) error {
	text := strings.TrimSpace(job.Text)
	if text == "" || job.ChatID == 0 {
		// Nothing deliverable; ack it.
		return nil
	}
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes])
	}
	return w.sender.Send(ctx, job.ChatID, text)
}
