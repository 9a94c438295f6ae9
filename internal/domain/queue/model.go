package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written to every record this service creates. Version 1
// is the legacy browser shape without patient ids, positions or vitals.
const SchemaVersion = 2

// Per-visit durations used for ETA estimates, in minutes.
const (
	FirstVisitMinutes = 10
	FollowUpMinutes   = 5
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusCalled  Status = "called"
	StatusDone    Status = "done"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusDone:
		return true
	}
	return false
}

// Label is the wording used on the records table.
func (s Status) Label() string {
	switch s {
	case StatusDone:
		return "Visited"
	case StatusCalled:
		return "In Consultation"
	default:
		return "Waiting"
	}
}

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Reasons offered by the booking form. Free text is accepted as well.
var Reasons = []string{
	"General Checkup",
	"Follow-up Visit",
	"Vaccination",
	"Lab Results",
	"Consultation",
	"Other",
}

var (
	ErrNotFound          = errors.New("patient record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotWaiting        = errors.New("patient is not waiting")
	ErrAlreadyDone       = errors.New("visit already marked done")
	ErrInvalidDirection  = errors.New("direction must be up or down")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDailyLimit        = errors.New("daily booking limit reached")
)

// Patient is one booked visit. A returning patient gets a new record per
// visit, linked to earlier ones by phone number or PatientID.
type Patient struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     string     `json:"patient_id"`
	Name          string     `json:"name"`
	Phone         string     `json:"phone"`
	Reason        string     `json:"reason"`
	Age           *int       `json:"age,omitempty"`
	HeightCm      *float64   `json:"height_cm,omitempty"`
	WeightKg      *float64   `json:"weight_kg,omitempty"`
	BookedAt      time.Time  `json:"booked_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	DoneAt        *time.Time `json:"done_at,omitempty"`
	Status        Status     `json:"status"`
	IsFollowUp    bool       `json:"is_follow_up"`
	VisitNumber   int        `json:"visit_number"`
	DoctorNotes   *string    `json:"doctor_notes,omitempty"`
	PositionOrder int64      `json:"position_order"`
	SchemaVersion int        `json:"schema_version"`
}

// VisitMinutes is the expected consultation length for this record.
func (p *Patient) VisitMinutes() int {
	if p.IsFollowUp {
		return FollowUpMinutes
	}
	return FirstVisitMinutes
}

// ConsultationMinutes is the rounded called-to-done duration, at least 1,
// or 0 when the visit is not complete.
func (p *Patient) ConsultationMinutes() int {
	if p.Status != StatusDone || p.CalledAt == nil || p.DoneAt == nil {
		return 0
	}
	mins := int(p.DoneAt.Sub(*p.CalledAt).Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return mins
}

// TypeLabel is the visit type wording used on the records table.
func (p *Patient) TypeLabel() string {
	if p.VisitNumber > 1 {
		return fmt.Sprintf("Follow-up (Visit #%d)", p.VisitNumber)
	}
	return "First Visit"
}

func (p *Patient) clone() *Patient {
	c := *p
	if p.Age != nil {
		v := *p.Age
		c.Age = &v
	}
	if p.HeightCm != nil {
		v := *p.HeightCm
		c.HeightCm = &v
	}
	if p.WeightKg != nil {
		v := *p.WeightKg
		c.WeightKg = &v
	}
	if p.CalledAt != nil {
		v := *p.CalledAt
		c.CalledAt = &v
	}
	if p.DoneAt != nil {
		v := *p.DoneAt
		c.DoneAt = &v
	}
	if p.DoctorNotes != nil {
		v := *p.DoctorNotes
		c.DoctorNotes = &v
	}
	return &c
}

// NewPatient is the booking form input.
type NewPatient struct {
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	Reason   string   `json:"reason"`
	Age      *int     `json:"age,omitempty"`
	HeightCm *float64 `json:"height_cm,omitempty"`
	WeightKg *float64 `json:"weight_kg,omitempty"`
}

func (n *NewPatient) normalize() error {
	n.Name = strings.TrimSpace(n.Name)
	n.Phone = strings.TrimSpace(n.Phone)
	n.Reason = strings.TrimSpace(n.Reason)
	if n.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if n.Phone == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidInput)
	}
	if n.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if n.Age != nil && (*n.Age < 0 || *n.Age > 150) {
		return fmt.Errorf("%w: age must be between 0 and 150", ErrInvalidInput)
	}
	if n.HeightCm != nil && *n.HeightCm <= 0 {
		return fmt.Errorf("%w: height_cm must be positive", ErrInvalidInput)
	}
	if n.WeightKg != nil && *n.WeightKg <= 0 {
		return fmt.Errorf("%w: weight_kg must be positive", ErrInvalidInput)
	}
	return nil
}

// FormatPatientID renders the n-th patient identifier, e.g. P0007.
func FormatPatientID(n int) string {
	return fmt.Sprintf("P%04d", n)
}

// patientSeq parses the numeric part of a P-prefixed identifier.
func patientSeq(pid string) (int, bool) {
	if len(pid) < 2 || (pid[0] != 'P' && pid[0] != 'p') {
		return 0, false
	}
	n, err := strconv.Atoi(pid[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Stats summarizes the queue for the doctor console.
type Stats struct {
	Waiting          int `json:"waiting"`
	Called           int `json:"called"`
	Done             int `json:"done"`
	Total            int `json:"total"`
	DelayMinutes     int `json:"delay_minutes"`
	TotalWaitMinutes int `json:"total_wait_minutes"`
}

// EventType names what happened to the collection.
type EventType string

const (
	EventAdded    EventType = "added"
	EventCalled   EventType = "called"
	EventMoved    EventType = "moved"
	EventDone     EventType = "done"
	EventDeleted  EventType = "deleted"
	EventCleared  EventType = "cleared"
	EventReloaded EventType = "reloaded"
)

// Event is delivered to observers after every change to the collection.
// Remote is set when the change came from a refetch rather than a local
// operation.
type Event struct {
	Type     EventType
	RecordID uuid.UUID
	Remote   bool
}
