package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinova/clinic-scheduling/internal/metrics"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
)

var (
	// ErrNotAvailable means no availability block of the doctor covers the
	// requested interval.
	ErrNotAvailable = errors.New("doctor has no availability covering the requested time")

	ErrForbidden         = errors.New("actor is not allowed to modify this appointment")
	ErrInvalidTransition = errors.New("appointment status does not allow this transition")
	ErrInvalidRange      = errors.New("start time must be before end time")
)

// Event describes a committed booking state change. Delivery is
// fire-and-forget: publishing happens only after the transaction commits and
// a publish failure never affects the booking result.
type Event struct {
	Type          string    `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier receives post-commit booking events.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// Engine validates booking requests against declared availability and
// performs the create/reschedule/cancel transitions atomically. Concurrency
// safety comes from running each mutation in one store transaction and
// letting the confirmed-slot uniqueness constraint break ties; the losing
// request surfaces ErrSlotConflict.
type Engine struct {
	repo     Repository
	clock    Clock
	notifier Notifier
	metrics  *metrics.BookingMetrics
	log      zerolog.Logger
}

func NewEngine(repo Repository, clock Clock, notifier Notifier, m *metrics.BookingMetrics, log zerolog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{
		repo:     repo,
		clock:    clock,
		notifier: notifier,
		metrics:  m,
		log:      log,
	}
}

// CreateAppointment books a sub-range of one of the doctor's availability
// blocks for the patient. The containment check and the insert run in a
// single transaction so no window exists in which a concurrent request could
// also pass its own check and commit.
func (e *Engine) CreateAppointment(ctx context.Context, doctorID, patientID uuid.UUID, start, end time.Time, notes string) (*Appointment, error) {
	if !start.Before(end) {
		return nil, ErrInvalidRange
	}

	if _, err := e.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := e.repo.GetDoctorByID(ctx, doctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	var created *Appointment

	err := e.repo.InTx(ctx, func(tx Tx) error {
		n, err := tx.CountCoveringBlocks(ctx, doctorID, start, end)
		if err != nil {
			return fmt.Errorf("check availability: %w", err)
		}
		if n == 0 {
			return ErrNotAvailable
		}

		appt, err := tx.InsertAppointment(ctx, Appointment{
			DoctorID:  doctorID,
			PatientID: patientID,
			StartTime: start,
			EndTime:   end,
			Notes:     notes,
		})
		if err != nil {
			return err
		}

		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			e.metrics.ObserveConflict("create")
		}
		return nil, err
	}

	e.metrics.ObserveCreated()
	e.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", doctorID.String()).
		Time("start_time", start).
		Msg("appointment booked")
	e.publish(ctx, EventAppointmentBooked, created)

	return created, nil
}

// RescheduleAppointment moves an existing appointment to a new interval in a
// single in-place mutation; the old slot is released and the new one claimed
// by the same UPDATE, so no intermediate state is observable.
func (e *Engine) RescheduleAppointment(ctx context.Context, apptID, actorID uuid.UUID, newStart, newEnd time.Time) (*Appointment, error) {
	if !newStart.Before(newEnd) {
		return nil, ErrInvalidRange
	}

	var updated *Appointment

	err := e.repo.InTx(ctx, func(tx Tx) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, apptID)
		if err != nil {
			return err
		}
		if appt.PatientID != actorID {
			return ErrForbidden
		}
		if !appt.Status.CanTransitionTo(StatusConfirmed) {
			return ErrInvalidTransition
		}

		n, err := tx.CountCoveringBlocks(ctx, appt.DoctorID, newStart, newEnd)
		if err != nil {
			return fmt.Errorf("check availability: %w", err)
		}
		if n == 0 {
			return ErrNotAvailable
		}

		moved, err := tx.UpdateAppointmentTimes(ctx, apptID, newStart, newEnd)
		if err != nil {
			return err
		}

		updated = moved
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			e.metrics.ObserveConflict("reschedule")
		}
		return nil, err
	}

	e.metrics.ObserveRescheduled()
	e.log.Info().
		Str("appointment_id", updated.ID.String()).
		Time("start_time", newStart).
		Msg("appointment rescheduled")
	e.publish(ctx, EventAppointmentRescheduled, updated)

	return updated, nil
}

// CancelAppointment sets the appointment to cancelled. Either the owning
// patient or the doctor may cancel. Freeing a slot always succeeds; the
// uniqueness constraint ignores non-confirmed rows, so the start time becomes
// bookable again immediately.
func (e *Engine) CancelAppointment(ctx context.Context, apptID, actorID uuid.UUID) (*Appointment, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, apptID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if actorID != appt.PatientID && actorID != appt.DoctorID {
		return nil, ErrForbidden
	}
	if !appt.Status.CanTransitionTo(StatusCancelled) {
		return nil, ErrInvalidTransition
	}

	cancelled, err := e.repo.UpdateAppointmentStatus(ctx, apptID, StatusConfirmed, StatusCancelled)
	if err != nil {
		// The CAS found no confirmed row: another transition won in between.
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	e.metrics.ObserveCancelled()
	e.log.Info().
		Str("appointment_id", cancelled.ID.String()).
		Msg("appointment cancelled")
	e.publish(ctx, EventAppointmentCancelled, cancelled)

	return cancelled, nil
}

// DeclareAvailability records a new open block for the doctor. Blocks are
// append-only: booking never shrinks or deletes them.
func (e *Engine) DeclareAvailability(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (*AvailabilityBlock, error) {
	if !start.Before(end) {
		return nil, ErrInvalidRange
	}

	if _, err := e.repo.GetDoctorByID(ctx, doctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	block, err := e.repo.InsertAvailabilityBlock(ctx, AvailabilityBlock{
		DoctorID:  doctorID,
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("insert availability block: %w", err)
	}
	return block, nil
}

// ListOpenSlots returns the doctor's blocks still active at asOf whose start
// time is not taken by a confirmed appointment. A zero asOf means "now".
// Within partially booked blocks this is an approximation of true remaining
// capacity; see the schema notes on the confirmed-slot index.
func (e *Engine) ListOpenSlots(ctx context.Context, doctorID uuid.UUID, asOf time.Time) ([]OpenSlot, error) {
	if asOf.IsZero() {
		asOf = e.clock.Now()
	}

	slots, err := e.repo.ListOpenSlots(ctx, doctorID, asOf)
	if err != nil {
		return nil, fmt.Errorf("list open slots: %w", err)
	}
	return slots, nil
}

// GetAppointment is an owner-scoped read: only the booked patient or the
// doctor may see the record.
func (e *Engine) GetAppointment(ctx context.Context, apptID, actorID uuid.UUID) (*Appointment, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, apptID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if actorID != appt.PatientID && actorID != appt.DoctorID {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (e *Engine) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appts, err := e.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (e *Engine) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appts, err := e.repo.ListAppointmentsByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appts, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (e *Engine) publish(ctx context.Context, eventType string, appt *Appointment) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(ctx, Event{
		Type:          eventType,
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		StartTime:     appt.StartTime,
		EndTime:       appt.EndTime,
		OccurredAt:    e.clock.Now(),
	})
}
