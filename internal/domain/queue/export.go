package queue

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Record is one row of the records table.
type Record struct {
	Number              int        `json:"number"`
	ID                  uuid.UUID  `json:"id"`
	PatientID           string     `json:"patient_id"`
	Name                string     `json:"name"`
	Phone               string     `json:"phone"`
	Reason              string     `json:"reason"`
	Type                string     `json:"type"`
	BookedAt            time.Time  `json:"booked_at"`
	Status              Status     `json:"status"`
	StatusLabel         string     `json:"status_label"`
	CalledAt            *time.Time `json:"called_at,omitempty"`
	DoneAt              *time.Time `json:"done_at,omitempty"`
	ConsultationMinutes *int       `json:"consultation_minutes,omitempty"`
	DoctorNotes         *string    `json:"doctor_notes,omitempty"`
}

// BuildRecords turns patients into records table rows, newest booking first.
// Number counts bookings from the oldest, so the newest row carries the
// highest number.
func BuildRecords(patients []*Patient) []Record {
	sorted := make([]*Patient, len(patients))
	copy(sorted, patients)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BookedAt.After(sorted[j].BookedAt) })

	out := make([]Record, len(sorted))
	for i, p := range sorted {
		r := Record{
			Number:      len(sorted) - i,
			ID:          p.ID,
			PatientID:   p.PatientID,
			Name:        p.Name,
			Phone:       p.Phone,
			Reason:      p.Reason,
			Type:        p.TypeLabel(),
			BookedAt:    p.BookedAt,
			Status:      p.Status,
			StatusLabel: p.Status.Label(),
			CalledAt:    p.CalledAt,
			DoneAt:      p.DoneAt,
			DoctorNotes: p.DoctorNotes,
		}
		if mins := p.ConsultationMinutes(); mins > 0 {
			r.ConsultationMinutes = &mins
		}
		out[i] = r
	}
	return out
}

var recordsHeader = []string{
	"#", "Patient ID", "Name", "Phone", "Reason", "Type", "Date", "Time",
	"Status", "Called", "Completed", "Duration", "Doctor Notes",
}

var recordsColWidths = []float64{6, 12, 24, 16, 20, 22, 14, 10, 16, 10, 12, 10, 40}

const recordsSheet = "Patient Records"

// WriteRecordsXLSX writes records as an XLSX workbook. Times are rendered in
// loc.
func WriteRecordsXLSX(w io.Writer, records []Record, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(recordsSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetRow(recordsSheet, "A1", &recordsHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(recordsHeader), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(recordsSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	for i, width := range recordsColWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(recordsSheet, col, col, width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	for i, r := range records {
		row := []interface{}{
			r.Number,
			r.PatientID,
			r.Name,
			r.Phone,
			r.Reason,
			r.Type,
			r.BookedAt.In(loc).Format("02 Jan 2006"),
			r.BookedAt.In(loc).Format("03:04 PM"),
			r.StatusLabel,
			clockOrDash(r.CalledAt, loc),
			clockOrDash(r.DoneAt, loc),
			"-",
			"-",
		}
		if r.ConsultationMinutes != nil {
			row[11] = fmt.Sprintf("%d min", *r.ConsultationMinutes)
		}
		if r.DoctorNotes != nil && *r.DoctorNotes != "" {
			row[12] = *r.DoctorNotes
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(recordsSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(recordsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func clockOrDash(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("03:04 PM")
}
