package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mediqueue/mediqueue/internal/platform/prefs"
)

// legacyPatient is the browser-side record shape (schema version 1). Times
// are epoch milliseconds.
type legacyPatient struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Phone       string  `json:"phone"`
	Reason      string  `json:"reason"`
	BookedAt    int64   `json:"bookedAt"`
	CalledAt    *int64  `json:"calledAt,omitempty"`
	DoneAt      *int64  `json:"doneAt,omitempty"`
	Status      string  `json:"status"`
	IsFollowUp  bool    `json:"isFollowUp"`
	VisitNumber int     `json:"visitNumber"`
	DoctorNotes *string `json:"doctorNotes,omitempty"`
}

// ImportResult reports what ImportLegacy did.
type ImportResult struct {
	Found    int  `json:"found"`
	Imported int  `json:"imported"`
	Skipped  bool `json:"skipped"`
}

// ParseLegacy decodes a legacy patient list and upgrades it to the current
// schema. Positions follow list order. Records sharing a phone number share
// one patient id, issued in order of first appearance.
func ParseLegacy(raw []byte) ([]*Patient, error) {
	var items []legacyPatient
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode legacy list: %w", err)
	}

	out := make([]*Patient, 0, len(items))
	byPhone := make(map[string]string)
	issued := 0
	for i, it := range items {
		id, err := uuid.Parse(it.ID)
		if err != nil {
			id = uuid.New()
		}
		status := Status(strings.ToLower(it.Status))
		if !status.Valid() {
			return nil, fmt.Errorf("legacy record %d: unknown status %q", i, it.Status)
		}
		visit := it.VisitNumber
		if visit < 1 {
			visit = 1
		}
		phone := strings.TrimSpace(it.Phone)
		pid, seen := byPhone[phone]
		if !seen || phone == "" {
			issued++
			pid = FormatPatientID(issued)
			if phone != "" {
				byPhone[phone] = pid
			}
		}
		out = append(out, &Patient{
			ID:            id,
			PatientID:     pid,
			Name:          it.Name,
			Phone:         it.Phone,
			Reason:        it.Reason,
			BookedAt:      time.UnixMilli(it.BookedAt),
			CalledAt:      fromMillisPtr(it.CalledAt),
			DoneAt:        fromMillisPtr(it.DoneAt),
			Status:        status,
			IsFollowUp:    it.IsFollowUp,
			VisitNumber:   visit,
			DoctorNotes:   it.DoctorNotes,
			PositionOrder: int64(i + 1),
			SchemaVersion: SchemaVersion,
		})
	}
	return out, nil
}

// ImportLegacy moves the legacy list kept under prefs.KeyLegacyQueue into
// the store. The import runs only into an empty store; otherwise the key is
// left in place and nothing is written. The key is deleted after a
// successful import.
func ImportLegacy(ctx context.Context, p prefs.Store, store Store) (ImportResult, error) {
	var res ImportResult

	raw, err := p.Get(ctx, prefs.KeyLegacyQueue)
	if errors.Is(err, prefs.ErrMiss) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read legacy list: %w", err)
	}

	patients, err := ParseLegacy([]byte(raw))
	if err != nil {
		return res, err
	}
	res.Found = len(patients)

	n, err := store.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("count patient records: %w", err)
	}
	if n > 0 {
		res.Skipped = true
		return res, nil
	}

	if len(patients) > 0 {
		if err := store.BulkInsert(ctx, patients); err != nil {
			return res, fmt.Errorf("import legacy list: %w", err)
		}
	}
	res.Imported = len(patients)

	if err := p.Delete(ctx, prefs.KeyLegacyQueue); err != nil {
		return res, fmt.Errorf("remove legacy list: %w", err)
	}
	return res, nil
}
