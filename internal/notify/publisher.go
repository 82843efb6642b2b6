package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinova/clinic-scheduling/internal/booking"
)

const publishTimeout = 2 * time.Second

// Publisher pushes committed booking events onto a Redis list for the notify
// worker. Publishing is fire-and-forget: failures are logged and never
// surfaced to the booking flow.
type Publisher struct {
	client *redis.Client
	queue  string
	log    zerolog.Logger
}

func NewPublisher(client *redis.Client, queue string, log zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		queue:  queue,
		log:    log,
	}
}

func (p *Publisher) Publish(ctx context.Context, ev booking.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("event_type", ev.Type).Msg("marshal booking event")
		return
	}

	// Detach from the request context: the booking already committed, a
	// cancelled request must not drop its notification.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.client.LPush(pubCtx, p.queue, data).Err(); err != nil {
		p.log.Error().Err(err).
			Str("event_type", ev.Type).
			Str("appointment_id", ev.AppointmentID.String()).
			Msg("publish booking event")
	}
}
