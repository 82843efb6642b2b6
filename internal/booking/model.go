package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

// CanTransitionTo reports whether the status machine allows moving to next.
// confirmed is the only non-terminal state; reschedule is the confirmed
// self-transition with new time values.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	if s != StatusConfirmed {
		return false
	}
	switch next {
	case StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AvailabilityBlock is a doctor-declared open window. It is never mutated or
// shrunk when sub-ranges get booked; remaining capacity is always derived.
type AvailabilityBlock struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	CreatedAt time.Time
}

type Appointment struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Status    AppointmentStatus
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OpenSlot is the derived read view returned by ListOpenSlots: an availability
// block that still accepts a booking at its declared start.
type OpenSlot struct {
	BlockID   uuid.UUID
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time
}
