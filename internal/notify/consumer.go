package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinova/clinic-scheduling/internal/booking"
)

const popTimeout = 5 * time.Second

// Handler delivers a single booking event to the patient-facing channel.
type Handler func(ctx context.Context, ev booking.Event)

// Consumer drains the booking event queue with blocking pops until its
// context is cancelled.
type Consumer struct {
	client  *redis.Client
	queue   string
	handler Handler
	log     zerolog.Logger
}

func NewConsumer(client *redis.Client, queue string, handler Handler, log zerolog.Logger) *Consumer {
	if handler == nil {
		handler = LogDeliverer(log)
	}
	return &Consumer{
		client:  client,
		queue:   queue,
		handler: handler,
		log:     log,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := c.client.BRPop(ctx, popTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("pop booking event")
			time.Sleep(time.Second)
			continue
		}

		// BRPop returns [queue, payload].
		if len(res) != 2 {
			continue
		}

		var ev booking.Event
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			c.log.Error().Err(err).Str("payload", res[1]).Msg("decode booking event")
			continue
		}

		c.handler(ctx, ev)
	}
}

// LogDeliverer records the notification that would be sent. Actual channel
// delivery (email, SMS) lives outside this service.
func LogDeliverer(log zerolog.Logger) Handler {
	return func(ctx context.Context, ev booking.Event) {
		log.Info().
			Str("event_type", ev.Type).
			Str("appointment_id", ev.AppointmentID.String()).
			Str("patient_id", ev.PatientID.String()).
			Time("start_time", ev.StartTime).
			Msg("notification dispatched")
	}
}
