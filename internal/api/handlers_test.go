package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinova/clinic-scheduling/internal/auth"
	"github.com/clinova/clinic-scheduling/internal/booking"
)

// memRepo is a minimal in-memory booking.Repository for handler tests. It
// enforces the confirmed-slot uniqueness rule the same way the schema does.
type memRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]booking.Patient
	doctors  map[uuid.UUID]booking.Doctor
	blocks   []booking.AvailabilityBlock
	appts    map[uuid.UUID]*booking.Appointment
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients: make(map[uuid.UUID]booking.Patient),
		doctors:  make(map[uuid.UUID]booking.Doctor),
		appts:    make(map[uuid.UUID]*booking.Appointment),
	}
}

func (r *memRepo) conflictAt(doctorID uuid.UUID, start time.Time, excludeID uuid.UUID) bool {
	for _, a := range r.appts {
		if a.ID != excludeID && a.DoctorID == doctorID && a.Status == booking.StatusConfirmed && a.StartTime.Equal(start) {
			return true
		}
	}
	return false
}

func (r *memRepo) InTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&memTx{r: r})
}

func (r *memRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*booking.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, booking.ErrPatientNotFound
	}
	return &p, nil
}

func (r *memRepo) GetDoctorByID(ctx context.Context, id uuid.UUID) (*booking.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, booking.ErrDoctorNotFound
	}
	return &d, nil
}

func (r *memRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*booking.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, booking.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to booking.AppointmentStatus) (*booking.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, booking.ErrAppointmentNotFound
	}
	a.Status = to
	cp := *a
	return &cp, nil
}

func (r *memRepo) InsertAvailabilityBlock(ctx context.Context, block booking.AvailabilityBlock) (*booking.AvailabilityBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	block.ID = uuid.New()
	r.blocks = append(r.blocks, block)
	cp := block
	return &cp, nil
}

func (r *memRepo) ListOpenSlots(ctx context.Context, doctorID uuid.UUID, asOf time.Time) ([]booking.OpenSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []booking.OpenSlot
	for _, b := range r.blocks {
		if b.DoctorID != doctorID || b.EndTime.Before(asOf) {
			continue
		}
		if r.conflictAt(doctorID, b.StartTime, uuid.Nil) {
			continue
		}
		result = append(result, booking.OpenSlot{
			BlockID:   b.ID,
			DoctorID:  b.DoctorID,
			StartTime: b.StartTime,
			EndTime:   b.EndTime,
		})
	}
	return result, nil
}

func (r *memRepo) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]booking.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []booking.Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (r *memRepo) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]booking.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []booking.Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID {
			result = append(result, *a)
		}
	}
	return result, nil
}

type memTx struct {
	r *memRepo
}

func (t *memTx) CountCoveringBlocks(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (int, error) {
	n := 0
	for _, b := range t.r.blocks {
		if b.DoctorID == doctorID && !b.StartTime.After(start) && !b.EndTime.Before(end) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, appt booking.Appointment) (*booking.Appointment, error) {
	if t.r.conflictAt(appt.DoctorID, appt.StartTime, uuid.Nil) {
		return nil, booking.ErrSlotConflict
	}
	appt.ID = uuid.New()
	appt.Status = booking.StatusConfirmed
	t.r.appts[appt.ID] = &appt
	cp := appt
	return &cp, nil
}

func (t *memTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*booking.Appointment, error) {
	a, ok := t.r.appts[id]
	if !ok {
		return nil, booking.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) UpdateAppointmentTimes(ctx context.Context, id uuid.UUID, start, end time.Time) (*booking.Appointment, error) {
	a, ok := t.r.appts[id]
	if !ok {
		return nil, booking.ErrAppointmentNotFound
	}
	if t.r.conflictAt(a.DoctorID, start, id) {
		return nil, booking.ErrSlotConflict
	}
	a.StartTime = start
	a.EndTime = end
	a.Status = booking.StatusConfirmed
	cp := *a
	return &cp, nil
}

type testServer struct {
	router    http.Handler
	repo      *memRepo
	tokens    *auth.TokenManager
	doctorID  uuid.UUID
	patientID uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := newMemRepo()
	doctorID := uuid.New()
	patientID := uuid.New()
	repo.doctors[doctorID] = booking.Doctor{ID: doctorID, Name: "Dr. Example"}
	repo.patients[patientID] = booking.Patient{ID: patientID, Name: "Pat Example"}
	repo.blocks = append(repo.blocks, booking.AvailabilityBlock{
		ID:        uuid.New(),
		DoctorID:  doctorID,
		StartTime: hour(9),
		EndTime:   hour(17),
	})

	tokens := auth.NewTokenManager("handler-test-secret", "clinic-scheduling", time.Hour)
	engine := booking.NewEngine(repo, nil, nil, nil, zerolog.Nop())

	router := NewRouter(RouterConfig{
		Engine:  engine,
		Tokens:  tokens,
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "test",
	})

	return &testServer{
		router:    router,
		repo:      repo,
		tokens:    tokens,
		doctorID:  doctorID,
		patientID: patientID,
	}
}

func hour(h int) time.Time {
	return time.Date(2030, 3, 4, h, 0, 0, 0, time.UTC)
}

func (s *testServer) token(t *testing.T, userID uuid.UUID, role auth.Role) string {
	t.Helper()
	token, err := s.tokens.Issue(userID, role)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) book(t *testing.T, startHour int) AppointmentResponse {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/appointments", s.token(t, s.patientID, auth.RolePatient), CreateAppointmentRequest{
		DoctorID:  s.doctorID.String(),
		StartTime: hour(startHour),
		EndTime:   hour(startHour + 1),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateAppointmentEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp := s.book(t, 10)
	assert.Equal(t, "confirmed", resp.Status)
	assert.Equal(t, s.doctorID, resp.DoctorID)
	assert.Equal(t, s.patientID, resp.PatientID)
}

func TestCreateAppointmentRequiresToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/appointments", "", CreateAppointmentRequest{
		DoctorID:  s.doctorID.String(),
		StartTime: hour(10),
		EndTime:   hour(11),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAppointmentRequiresPatientRole(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/appointments", s.token(t, s.doctorID, auth.RoleDoctor), CreateAppointmentRequest{
		DoctorID:  s.doctorID.String(),
		StartTime: hour(10),
		EndTime:   hour(11),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAppointmentOutsideAvailabilityIs400(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/appointments", s.token(t, s.patientID, auth.RolePatient), CreateAppointmentRequest{
		DoctorID:  s.doctorID.String(),
		StartTime: hour(20),
		EndTime:   hour(21),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "not_available", errResp.Error)
}

func TestCreateAppointmentConflictIs409(t *testing.T) {
	s := newTestServer(t)
	s.book(t, 10)

	otherPatient := uuid.New()
	s.repo.patients[otherPatient] = booking.Patient{ID: otherPatient, Name: "Other"}

	rec := s.do(t, http.MethodPost, "/appointments", s.token(t, otherPatient, auth.RolePatient), CreateAppointmentRequest{
		DoctorID:  s.doctorID.String(),
		StartTime: hour(10),
		EndTime:   hour(11),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "slot_conflict", errResp.Error)
}

func TestCancelEndpointFreesSlot(t *testing.T) {
	s := newTestServer(t)
	appt := s.book(t, 10)

	rec := s.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/cancel", s.token(t, s.patientID, auth.RolePatient), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelled AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)

	// Same start books again once freed.
	s.book(t, 10)
}

func TestCancelByUnrelatedDoctorIs403(t *testing.T) {
	s := newTestServer(t)
	appt := s.book(t, 10)

	otherDoctor := uuid.New()
	s.repo.doctors[otherDoctor] = booking.Doctor{ID: otherDoctor, Name: "Dr. Other"}

	rec := s.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/cancel", s.token(t, otherDoctor, auth.RoleDoctor), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelTwiceIs409(t *testing.T) {
	s := newTestServer(t)
	appt := s.book(t, 10)
	token := s.token(t, s.patientID, auth.RolePatient)

	rec := s.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRescheduleEndpointKeepsID(t *testing.T) {
	s := newTestServer(t)
	appt := s.book(t, 10)

	rec := s.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/reschedule", s.token(t, s.patientID, auth.RolePatient), RescheduleAppointmentRequest{
		StartTime: hour(14),
		EndTime:   hour(15),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var moved AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	assert.Equal(t, appt.ID, moved.ID)
	assert.Equal(t, "confirmed", moved.Status)
	assert.True(t, moved.StartTime.Equal(hour(14)))
}

func TestGetMissingAppointmentIs404(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), s.token(t, s.patientID, auth.RolePatient), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOpenSlotsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.book(t, 9) // block start taken; the 9:00 block disappears from the view

	path := fmt.Sprintf("/doctors/%s/availability?as_of=%s", s.doctorID, hour(8).Format(time.RFC3339))
	rec := s.do(t, http.MethodGet, path, s.token(t, s.patientID, auth.RolePatient), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var slots []OpenSlotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slots))
	assert.Empty(t, slots)
}

func TestDeclareAvailabilityEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/availability", s.token(t, s.doctorID, auth.RoleDoctor), DeclareAvailabilityRequest{
		StartTime: hour(18),
		EndTime:   hour(20),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var block AvailabilityBlockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &block))
	assert.Equal(t, s.doctorID, block.DoctorID)
}

func TestDeclareAvailabilityRequiresDoctorRole(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/availability", s.token(t, s.patientID, auth.RolePatient), DeclareAvailabilityRequest{
		StartTime: hour(18),
		EndTime:   hour(20),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListAppointmentsByRole(t *testing.T) {
	s := newTestServer(t)
	s.book(t, 10)
	s.book(t, 11)

	rec := s.do(t, http.MethodGet, "/appointments", s.token(t, s.patientID, auth.RolePatient), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var mine []AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	assert.Len(t, mine, 2)

	rec = s.do(t, http.MethodGet, "/appointments", s.token(t, s.doctorID, auth.RoleDoctor), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var calendar []AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calendar))
	assert.Len(t, calendar, 2)
}
