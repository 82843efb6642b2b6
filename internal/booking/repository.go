package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotConflict is raised when the store's uniqueness constraint on
	// (doctor_id, start_time) rejects an insert or update at commit time.
	ErrSlotConflict = errors.New("slot already booked for this start time")
)

// Tx exposes the write primitives the engine composes inside one store
// transaction. Implementations translate a uniqueness violation on the
// confirmed-slot index into ErrSlotConflict.
type Tx interface {
	CountCoveringBlocks(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (int, error)
	InsertAppointment(ctx context.Context, appt Appointment) (*Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointmentTimes(ctx context.Context, id uuid.UUID, start, end time.Time) (*Appointment, error)
}

// Repository contains all DB interactions needed by the engine.
type Repository interface {
	// InTx runs fn inside a single transaction; a returned error rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// UpdateAppointmentStatus is a compare-and-set: the row is updated only
	// when its current status equals from; otherwise ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)

	InsertAvailabilityBlock(ctx context.Context, block AvailabilityBlock) (*AvailabilityBlock, error)
	ListOpenSlots(ctx context.Context, doctorID uuid.UUID, asOf time.Time) ([]OpenSlot, error)

	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error)
}
