package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	notificationQueue  = "notification_outbox"
	outboxPollInterval = 2 * time.Second
	outboxBatchSize    = 20
	outboxMaxAttempts  = 5
)

// Notification is one queued post-commit side effect. Enqueues happen only
// after the financial transaction has committed; delivery failures are
// retried by the dispatcher and never surface to the original caller.
type Notification struct {
	Recipient  string         `json:"recipient"`
	Template   string         `json:"template"`
	Payload    map[string]any `json:"payload"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Mailer delivers a notification to its recipient.
type Mailer interface {
	Send(recipient, template string, payload map[string]any) error
}

// LogMailer is the demo delivery backend; it writes the notification to the
// process log instead of sending real email.
type LogMailer struct{}

func (LogMailer) Send(recipient, template string, payload map[string]any) error {
	data, _ := json.Marshal(payload)
	log.Printf("[NOTIFY] %s -> %s: %s", template, recipient, string(data))
	return nil
}

// Outbox is the explicit task queue for fire-and-forget side effects, backed
// by a Redis list. When Redis is unavailable notifications degrade to inline
// best-effort delivery so a committed transfer is never blocked.
type Outbox struct {
	redis  *redis.Client
	mailer Mailer
}

func NewOutbox(redisClient *redis.Client, mailer Mailer) *Outbox {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &Outbox{redis: redisClient, mailer: mailer}
}

// Enqueue queues a notification for asynchronous delivery. Errors are logged
// and swallowed; callers have already committed.
func (o *Outbox) Enqueue(ctx context.Context, n Notification) {
	n.EnqueuedAt = time.Now()

	if o.redis == nil {
		if err := o.mailer.Send(n.Recipient, n.Template, n.Payload); err != nil {
			log.Printf("[OUTBOX] Inline delivery failed for %s: %v", n.Recipient, err)
		}
		return
	}

	data, err := json.Marshal(n)
	if err != nil {
		log.Printf("[OUTBOX] Failed to marshal notification: %v", err)
		return
	}
	if err := o.redis.RPush(ctx, notificationQueue, string(data)).Err(); err != nil {
		log.Printf("[OUTBOX] Failed to enqueue notification for %s: %v", n.Recipient, err)
	}
}

// Run polls the queue and delivers pending notifications until ctx is done.
func (o *Outbox) Run(ctx context.Context) {
	if o.redis == nil {
		return
	}

	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.flushOnce(ctx)
		}
	}
}

func (o *Outbox) flushOnce(ctx context.Context) {
	for i := 0; i < outboxBatchSize; i++ {
		data, err := o.redis.LPop(ctx, notificationQueue).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			log.Printf("[OUTBOX] Failed to pop notification: %v", err)
			return
		}

		var n Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			log.Printf("[OUTBOX] Dropping malformed notification: %v", err)
			continue
		}

		if err := o.mailer.Send(n.Recipient, n.Template, n.Payload); err != nil {
			n.Attempts++
			if n.Attempts >= outboxMaxAttempts {
				log.Printf("[OUTBOX] Dropping notification for %s after %d attempts: %v", n.Recipient, n.Attempts, err)
				continue
			}
			requeued, _ := json.Marshal(n)
			if pushErr := o.redis.RPush(ctx, notificationQueue, string(requeued)).Err(); pushErr != nil {
				log.Printf("[OUTBOX] Failed to requeue notification for %s: %v", n.Recipient, pushErr)
			}
		}
	}
}
