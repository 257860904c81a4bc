package questionnaire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Admiral9633/fragebogen/internal/platform/gdt"
	"github.com/Admiral9633/fragebogen/pkg/pagination"
)

// Handler serves the patient form, the admin surface and the GDT bridge.
type Handler struct {
	svc      *Service
	now      func() time.Time
	location *time.Location
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerClock overrides the request clock.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// WithLocation sets the zone used for GDT dates.
func WithLocation(loc *time.Location) HandlerOption {
	return func(h *Handler) { h.location = loc }
}

func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, now: time.Now, location: time.UTC}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the patient routes on public and the admin routes on
// admin. Authentication and rate limiting are applied by the caller.
func (h *Handler) RegisterRoutes(public, admin *echo.Group) {
	public.GET("/sessions/:token", h.GetSession)
	public.POST("/sessions/:token/submit", h.Submit)
	public.GET("/questionnaire/steps", h.ListSteps)
	public.POST("/questionnaire/steps/:index/validate", h.ValidateStep)

	admin.GET("/sessions", h.ListSessions)
	admin.POST("/sessions", h.CreateSession)
	admin.GET("/sessions/:token", h.GetAdminSession)
	admin.PATCH("/sessions/:token", h.EditIdentity)
	admin.DELETE("/sessions/:token", h.DeleteSession)
	admin.POST("/sessions/:token/resend", h.ResendInvitation)
	admin.GET("/sessions/:token/print", h.PrintView)
	admin.POST("/gdt/requests", h.ImportGDTRequest)
	admin.GET("/gdt/results/:token", h.GDTResult)
}

// ErrorBody is the JSON shape of every domain error response.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Fields  FieldErrors `json:"fields,omitempty"`
}

func errorResponse(status int, code, message string) error {
	return echo.NewHTTPError(status, ErrorBody{Code: code, Message: message})
}

// httpError maps domain errors to responses. Unknown errors pass through and
// end up as 500.
func httpError(err error) error {
	var verr *ValidationError
	var eerr *EmailDeliveryError
	switch {
	case errors.Is(err, ErrNotFound):
		return errorResponse(http.StatusNotFound, "not_found", "Fragebogen nicht gefunden.")
	case errors.Is(err, ErrExpired):
		return errorResponse(http.StatusGone, "expired", "Dieser Fragebogen-Link ist abgelaufen.")
	case errors.Is(err, ErrAlreadyCompleted):
		return errorResponse(http.StatusConflict, "already_completed", "Dieser Fragebogen wurde bereits ausgefüllt.")
	case errors.Is(err, ErrNotCompleted):
		return errorResponse(http.StatusConflict, "not_completed", "Der Fragebogen wurde noch nicht ausgefüllt.")
	case errors.Is(err, ErrNoEmailOnFile):
		return errorResponse(http.StatusUnprocessableEntity, "no_email", "Keine E-Mail-Adresse hinterlegt.")
	case errors.Is(err, ErrUnknownStep):
		return errorResponse(http.StatusNotFound, "unknown_step", err.Error())
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ErrorBody{
			Code:    "validation_failed",
			Message: "Bitte prüfen Sie Ihre Angaben.",
			Fields:  verr.Fields,
		})
	case errors.As(err, &eerr):
		return errorResponse(http.StatusBadGateway, "email_delivery_failed", eerr.Error())
	}
	return err
}

// decodeObject reads a JSON object body. Path parameters are not merged
// into the result.
func decodeObject(c echo.Context) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is required")
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if body == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "expected a JSON object")
	}
	return body, nil
}

// -- Patient --

func (h *Handler) GetSession(c echo.Context) error {
	now := h.now()
	sess, err := h.svc.GetForPatient(c.Request().Context(), c.Param("token"), now)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, NewPatientView(sess, now))
}

// SubmitResponse is returned after a successful submission.
type SubmitResponse struct {
	Success     bool   `json:"success"`
	ESSTotal    int    `json:"ess_total"`
	ESSBand     Band   `json:"ess_band"`
	ESSBandText string `json:"ess_band_text"`
	Message     string `json:"message"`
}

// Submit scores and stores the final answers. A body that is not a JSON
// object is submitted as empty, so the session state decides the status
// before the body does.
func (h *Handler) Submit(c echo.Context) error {
	body, bodyErr := decodeObject(c)
	answers := Answers(body)
	if bodyErr != nil {
		answers = Answers{}
	} else if inner, ok := body["answers"].(map[string]any); ok && len(body) == 1 {
		answers = Answers(inner)
	}

	res, err := h.svc.Submit(c.Request().Context(), c.Param("token"), answers, h.now())
	if err != nil {
		var verr *ValidationError
		if bodyErr != nil && errors.As(err, &verr) {
			return bodyErr
		}
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, SubmitResponse{
		Success:     true,
		ESSTotal:    res.Total,
		ESSBand:     res.Band,
		ESSBandText: res.Band.Description(),
		Message:     "Vielen Dank! Ihr Fragebogen wurde erfolgreich übermittelt.",
	})
}

// StepsResponse is the validation contract served to form clients.
type StepsResponse struct {
	Steps []Step           `json:"steps"`
	Rules []DependencyRule `json:"rules"`
}

func (h *Handler) ListSteps(c echo.Context) error {
	return c.JSON(http.StatusOK, StepsResponse{Steps: Steps(), Rules: Rules()})
}

// StepValidationResponse reports the outcome of one step check.
type StepValidationResponse struct {
	Valid    bool        `json:"valid"`
	Errors   FieldErrors `json:"errors"`
	Relevant []string    `json:"relevant_fields,omitempty"`
}

func (h *Handler) ValidateStep(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid step index")
	}
	body, err := decodeObject(c)
	if err != nil {
		return err
	}
	errs, err := ValidateStep(index, Answers(body))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, StepValidationResponse{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Relevant: RelevantFields(Answers(body)),
	})
}

// -- Admin --

func (h *Handler) ListSessions(c echo.Context) error {
	status, err := ParseState(c.QueryParam("status"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	now := h.now()

	items, total, err := h.svc.ListSessions(c.Request().Context(),
		ListFilter{Status: status, Search: c.QueryParam("q")}, now, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	views := make([]*AdminView, 0, len(items))
	for _, s := range items {
		views = append(views, NewAdminView(s, now))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// CreateResponse carries the new session and the invitation outcome.
type CreateResponse struct {
	Session    *AdminView       `json:"session"`
	Link       string           `json:"link"`
	Invitation InvitationStatus `json:"invitation"`
}

func (h *Handler) CreateSession(c echo.Context) error {
	var id Identity
	if err := c.Bind(&id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	now := h.now()
	sess, inv, err := h.svc.CreateSession(c.Request().Context(), id, now)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, CreateResponse{
		Session:    NewAdminView(sess, now),
		Link:       h.svc.Link(sess.Token),
		Invitation: inv,
	})
}

func (h *Handler) GetAdminSession(c echo.Context) error {
	sess, err := h.svc.GetForAdmin(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, NewAdminView(sess, h.now()))
}

func (h *Handler) EditIdentity(c echo.Context) error {
	body, err := decodeObject(c)
	if err != nil {
		return err
	}
	var rejected []string
	for k := range body {
		if !IdentityPatchKeys[k] {
			rejected = append(rejected, k)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"code":     "immutable_fields",
			"message":  "Nur Patientendaten können geändert werden.",
			"rejected": rejected,
		})
	}

	var patch IdentityPatch
	raw, _ := json.Marshal(body)
	if err := json.Unmarshal(raw, &patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "identity fields must be strings")
	}

	now := h.now()
	sess, err := h.svc.EditIdentity(c.Request().Context(), c.Param("token"), patch, now)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, NewAdminView(sess, now))
}

func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.svc.DeleteSession(c.Request().Context(), c.Param("token")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ResendInvitation(c echo.Context) error {
	status, err := h.svc.ResendInvitation(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) PrintView(c echo.Context) error {
	report, err := h.svc.PrintView(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// -- GDT bridge --

// GDTLinkResponse is returned when a GDT request created a session.
type GDTLinkResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

const gdtContentType = "application/octet-stream"

func (h *Handler) ImportGDTRequest(c echo.Context) error {
	rec, err := gdt.Parse(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := gdt.ParseRequest(rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id := Identity{
		LastName:     req.LastName,
		FirstName:    req.FirstName,
		GDTPatientID: req.PatientID,
		GDTRequestID: req.RequestID,
	}
	if req.BirthDate != nil {
		d := NewDate(*req.BirthDate)
		id.BirthDate = &d
	}

	now := h.now()
	sess, _, err := h.svc.CreateSession(c.Request().Context(), id, now)
	if err != nil {
		return httpError(err)
	}
	link := h.svc.Link(sess.Token)

	if c.QueryParam("format") == "gdt" {
		out, err := gdt.Marshal(gdt.LinkRecord(gdtPatient(sess), link, now.In(h.location)))
		if err != nil {
			return err
		}
		return c.Blob(http.StatusCreated, gdtContentType, out)
	}
	return c.JSON(http.StatusCreated, GDTLinkResponse{Token: sess.Token, URL: link, ExpiresAt: sess.ExpiresAt})
}

func (h *Handler) GDTResult(c echo.Context) error {
	token := c.Param("token")
	sess, err := h.svc.Finalized(c.Request().Context(), token)
	if errors.Is(err, ErrNotCompleted) {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "pending"})
	}
	if err != nil {
		return httpError(err)
	}

	res, _ := sess.Result()
	out, err := gdt.Marshal(gdt.ResultRecord(gdtPatient(sess), gdt.Result{
		CompletedAt: sess.CompletedAt.In(h.location),
		ESSTotal:    res.Total,
		ESSMax:      ESSMaxTotal,
		Finding:     res.Band.Description(),
	}))
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "fragebogen_"+tokenPrefix(token)+".gdt"))
	return c.Stream(http.StatusOK, gdtContentType, bytes.NewReader(out))
}

func gdtPatient(s *Session) gdt.Patient {
	p := gdt.Patient{FirstName: s.FirstName, LastName: s.LastName}
	if s.GDTPatientID != nil {
		p.PatientID = *s.GDTPatientID
	}
	if s.GDTRequestID != nil {
		p.RequestID = *s.GDTRequestID
	}
	if s.BirthDate != nil {
		t := s.BirthDate.Time
		p.BirthDate = &t
	}
	return p
}
