package queue

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mediqueue/mediqueue/internal/platform/auth"
	"github.com/mediqueue/mediqueue/pkg/pagination"
)

// BookingPolicy supplies the clinic settings that gate new bookings.
type BookingPolicy interface {
	BookingOpen() bool
	MaxBookingsPerDay() int
}

// LinkBuilder renders the messaging link for a called patient. It returns
// "" when notifications are off or the phone is missing.
type LinkBuilder interface {
	Link(name, phone string) string
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	mgr    *Manager
	policy BookingPolicy
	links  LinkBuilder
	loc    *time.Location
	now    func() time.Time
}

func NewHandler(mgr *Manager, policy BookingPolicy, links LinkBuilder) *Handler {
	return &Handler{mgr: mgr, policy: policy, links: links, loc: time.Local, now: time.Now}
}

// RegisterRoutes mounts the patient-facing routes on public and the doctor
// console routes on staff. staff must already carry authentication.
func (h *Handler) RegisterRoutes(public *echo.Group, staff *echo.Group) {
	public.POST("/queue/bookings", h.Book)
	public.GET("/queue/patients/:id/status", h.GetStatus)
	public.GET("/queue/lookup", h.Lookup)
	public.GET("/queue/summary", h.Summary)

	doctor := staff.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/queue", h.ListQueue)
	doctor.GET("/queue/stats", h.GetStats)
	doctor.POST("/queue/call-next", h.CallNext)
	doctor.POST("/queue/patients/:id/call", h.CallPatient)
	doctor.POST("/queue/patients/:id/move", h.MovePatient)
	doctor.POST("/queue/patients/:id/done", h.MarkDone)
	doctor.DELETE("/queue/patients/:id", h.DeletePatient)
	doctor.DELETE("/queue/patients", h.DeleteAll)
	doctor.GET("/records", h.ListRecords)
	doctor.GET("/records/export", h.ExportRecords)
}

// queueEntry is a record with its place in line. Position and ETA are zero
// for records that are not waiting.
type queueEntry struct {
	*Patient
	Position   int `json:"position"`
	ETAMinutes int `json:"eta_minutes"`
}

func (h *Handler) entry(p *Patient) queueEntry {
	e := queueEntry{Patient: p}
	if p.Status == StatusWaiting {
		e.Position = h.mgr.Position(p.ID)
		e.ETAMinutes = h.mgr.ETA(p.ID)
	}
	return e
}

type callResponse struct {
	Patient    *Patient `json:"patient"`
	NotifyLink string   `json:"notify_link,omitempty"`
}

func (h *Handler) callResponse(p *Patient) callResponse {
	resp := callResponse{Patient: p}
	if h.links != nil {
		resp.NotifyLink = h.links.Link(p.Name, p.Phone)
	}
	return resp
}

// httpError maps queue errors to HTTP errors.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidDirection):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotWaiting), errors.Is(err, ErrAlreadyDone),
		errors.Is(err, ErrDailyLimit):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Patient-facing handlers --

type bookingRequest struct {
	NewPatient
	PatientID string `json:"patient_id"`
}

func (h *Handler) Book(c echo.Context) error {
	var req bookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.NewPatient.normalize(); err != nil {
		return httpError(err)
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID != "" {
		if _, ok := h.mgr.FindByPatientID(req.PatientID); !ok {
			return echo.NewHTTPError(http.StatusUnprocessableEntity,
				fmt.Sprintf("No patient found with ID %s", req.PatientID))
		}
	}
	var quota DailyCap
	if h.policy != nil {
		if !h.policy.BookingOpen() {
			return echo.NewHTTPError(http.StatusConflict, "booking is closed")
		}
		if limit := h.policy.MaxBookingsPerDay(); limit > 0 {
			now := h.now().In(h.loc)
			quota = DailyCap{
				Since: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.loc),
				Max:   limit,
			}
		}
	}

	p, err := h.mgr.AddCapped(c.Request().Context(), req.NewPatient, req.PatientID, quota)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.entry(p))
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, ok := h.mgr.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, h.entry(p))
}

// Lookup finds a record by phone or by patient identifier.
func (h *Handler) Lookup(c echo.Context) error {
	var (
		p  *Patient
		ok bool
	)
	switch {
	case c.QueryParam("patient_id") != "":
		p, ok = h.mgr.FindByPatientID(strings.TrimSpace(c.QueryParam("patient_id")))
	case c.QueryParam("phone") != "":
		p, ok = h.mgr.FindByPhone(strings.TrimSpace(c.QueryParam("phone")))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "phone or patient_id is required")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient":      h.entry(p),
		"visit_number": h.mgr.VisitCount(p.Phone) + 1,
	})
}

type nowServing struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
}

// Summary is the waiting-room board: how many are waiting and who is in.
func (h *Handler) Summary(c echo.Context) error {
	stats := h.mgr.Stats()
	resp := map[string]interface{}{
		"waiting":       stats.Waiting,
		"delay_minutes": stats.DelayMinutes,
	}
	if cur := h.mgr.Current(); cur != nil {
		resp["now_serving"] = nowServing{PatientID: cur.PatientID, Name: cur.Name}
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Doctor console handlers --

func (h *Handler) ListQueue(c echo.Context) error {
	waiting := h.mgr.Waiting()
	entries := make([]queueEntry, len(waiting))
	for i, p := range waiting {
		entries[i] = h.entry(p)
	}
	called := h.mgr.Called()
	if called == nil {
		called = []*Patient{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"waiting": entries,
		"called":  called,
	})
}

func (h *Handler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mgr.Stats())
}

func (h *Handler) CallNext(c echo.Context) error {
	p, ok := h.mgr.CallNext(c.Request().Context())
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, h.callResponse(p))
}

func (h *Handler) CallPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.mgr.CallSpecific(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.callResponse(p))
}

func (h *Handler) MovePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Direction Direction `json:"direction"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	moved, err := h.mgr.Move(c.Request().Context(), id, body.Direction)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"moved": moved})
}

func (h *Handler) MarkDone(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Notes *string `json:"notes"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	p, err := h.mgr.MarkDone(c.Request().Context(), id, body.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.mgr.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteAll(c echo.Context) error {
	h.mgr.DeleteAll(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	records := BuildRecords(h.mgr.Patients())
	start, end := pg.Window(len(records))
	return c.JSON(http.StatusOK, pagination.NewResponse(records[start:end], len(records), pg.Limit, pg.Offset))
}

func (h *Handler) ExportRecords(c echo.Context) error {
	var buf bytes.Buffer
	if err := WriteRecordsXLSX(&buf, BuildRecords(h.mgr.Patients()), h.loc); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	name := fmt.Sprintf("patient-records-%s.xlsx", h.now().In(h.loc).Format("2006-01-02"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}
