package questionnaire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Admiral9633/fragebogen/internal/platform/gdt"
)

func newTestHandler(opts ...Option) (*Handler, *echo.Echo) {
	svc, _ := newTestService(opts...)
	h := NewHandler(svc, WithHandlerClock(func() time.Time { return testNow }))
	return h, echo.New()
}

func newContext(e *echo.Echo, method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		var names, values []string
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	return c, rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestHandler_CreateSession(t *testing.T) {
	h, e := newTestHandler(WithLinkBase("https://praxis.example"))
	c, rec := newContext(e, http.MethodPost, "/api/admin/sessions",
		`{"patient_last_name":"Muster","patient_first_name":"Max","patient_birth_date":"1980-03-15"}`)

	if err := h.CreateSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var resp struct {
		Session struct {
			Token  string `json:"token"`
			Status State  `json:"status"`
		} `json:"session"`
		Link string `json:"link"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Session.Status != StateOpen {
		t.Errorf("expected open, got %q", resp.Session.Status)
	}
	if resp.Link != "https://praxis.example/fragebogen/"+resp.Session.Token {
		t.Errorf("unexpected link %q", resp.Link)
	}
}

func TestHandler_CreateSession_Invalid(t *testing.T) {
	h, e := newTestHandler()
	c, _ := newContext(e, http.MethodPost, "/", `{"patient_first_name":"Max"}`)
	if code := httpCode(t, h.CreateSession(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_GetSession(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "max@example.org")

	c, rec := newContext(e, http.MethodGet, "/", "", "token", sess.Token)
	if err := h.GetSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "max@example.org") {
		t.Error("patient view must not expose the email address")
	}

	c, _ = newContext(e, http.MethodGet, "/", "", "token", "unknown")
	if code := httpCode(t, h.GetSession(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetSession_Expired(t *testing.T) {
	svc, _ := newTestService()
	sess := createMax(t, svc, "")
	h := NewHandler(svc, WithHandlerClock(func() time.Time { return sess.ExpiresAt.Add(time.Minute) }))

	c, _ := newContext(echo.New(), http.MethodGet, "/", "", "token", sess.Token)
	if code := httpCode(t, h.GetSession(c)); code != http.StatusGone {
		t.Errorf("expected 410, got %d", code)
	}
}

func TestHandler_Submit(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")

	c, rec := newContext(e, http.MethodPost, "/", mustJSON(t, completeAnswers(1)), "token", sess.Token)
	if err := h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp SubmitResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success || resp.ESSTotal != 8 || resp.ESSBand != BandNormal || resp.ESSBandText == "" {
		t.Errorf("unexpected response %+v", resp)
	}

	c, _ = newContext(e, http.MethodPost, "/", mustJSON(t, completeAnswers(1)), "token", sess.Token)
	if code := httpCode(t, h.Submit(c)); code != http.StatusConflict {
		t.Errorf("expected 409 on second submit, got %d", code)
	}
}

func TestHandler_Submit_WrappedAnswers(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")

	body := mustJSON(t, map[string]any{"answers": completeAnswers(3)})
	c, rec := newContext(e, http.MethodPost, "/", body, "token", sess.Token)
	if err := h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_Submit_ValidationErrors(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")
	answers := completeAnswers(1)
	delete(answers, "ess_8")
	answers["consent_truth"] = false

	c, _ := newContext(e, http.MethodPost, "/", mustJSON(t, answers), "token", sess.Token)
	err := h.Submit(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
	body, ok := he.Message.(ErrorBody)
	if !ok {
		t.Fatalf("expected ErrorBody, got %T", he.Message)
	}
	if _, ok := body.Fields["ess_8"]; !ok {
		t.Error("expected ess_8 in field errors")
	}
	if _, ok := body.Fields["consent_truth"]; !ok {
		t.Error("expected consent_truth in field errors")
	}
}

func TestHandler_Submit_BadBody(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")
	for _, body := range []string{"", "not json", "[1,2]", "null"} {
		c, _ := newContext(e, http.MethodPost, "/", body, "token", sess.Token)
		if code := httpCode(t, h.Submit(c)); code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, code)
		}
	}
}

func TestHandler_Submit_CompletedIgnoresBody(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")
	if _, err := h.svc.Submit(context.Background(), sess.Token, completeAnswers(1), testNow); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for _, body := range []string{"", "not json", "[]", "null", "{}"} {
		c, _ := newContext(e, http.MethodPost, "/", body, "token", sess.Token)
		if code := httpCode(t, h.Submit(c)); code != http.StatusConflict {
			t.Errorf("body %q: expected 409, got %d", body, code)
		}
	}

	c, _ := newContext(e, http.MethodPost, "/", "null", "token", "unknown-token")
	if code := httpCode(t, h.Submit(c)); code != http.StatusNotFound {
		t.Errorf("unknown token: expected 404, got %d", code)
	}
}

func TestHandler_ListSteps(t *testing.T) {
	h, e := newTestHandler()
	c, rec := newContext(e, http.MethodGet, "/", "")
	if err := h.ListSteps(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp StepsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Steps) != 10 || len(resp.Rules) == 0 {
		t.Errorf("unexpected steps response: %d steps, %d rules", len(resp.Steps), len(resp.Rules))
	}
}

func TestHandler_ValidateStep(t *testing.T) {
	h, e := newTestHandler()

	c, rec := newContext(e, http.MethodPost, "/", `{"diabetes_type":"type1","hypoglycemia":"no"}`, "index", "5")
	if err := h.ValidateStep(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp StepValidationResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Valid {
		t.Error("expected invalid step")
	}
	if _, ok := resp.Errors["diabetes_therapy"]; !ok {
		t.Errorf("expected diabetes_therapy error, got %v", resp.Errors)
	}

	c, _ = newContext(e, http.MethodPost, "/", `{}`, "index", "42")
	if code := httpCode(t, h.ValidateStep(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	c, _ = newContext(e, http.MethodPost, "/", `{}`, "index", "x")
	if code := httpCode(t, h.ValidateStep(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ListSessions(t *testing.T) {
	h, e := newTestHandler()
	for i := 0; i < 3; i++ {
		createMax(t, h.svc, "")
	}

	c, rec := newContext(e, http.MethodGet, "/api/admin/sessions?status=open&limit=2", "")
	if err := h.ListSessions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data    []json.RawMessage `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected page: total=%d len=%d has_more=%v", resp.Total, len(resp.Data), resp.HasMore)
	}

	c, _ = newContext(e, http.MethodGet, "/api/admin/sessions?status=archived", "")
	if code := httpCode(t, h.ListSessions(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_EditIdentity(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")

	c, rec := newContext(e, http.MethodPatch, "/", `{"patient_first_name":"Moritz"}`, "token", sess.Token)
	if err := h.EditIdentity(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Moritz") {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_EditIdentity_RejectsOtherFields(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")

	for _, body := range []string{
		`{"ess_total":3}`,
		`{"completed":true}`,
		`{"answers":{}}`,
		`{"patient_first_name":"Moritz","expires_at":"2030-01-01T00:00:00Z"}`,
	} {
		c, _ := newContext(e, http.MethodPatch, "/", body, "token", sess.Token)
		if code := httpCode(t, h.EditIdentity(c)); code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, code)
		}
	}
	stored, _ := h.svc.GetForAdmin(context.Background(), sess.Token)
	if stored.FirstName != "Max" {
		t.Error("rejected edit must not be applied")
	}
}

func TestHandler_DeleteSession(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")

	c, rec := newContext(e, http.MethodDelete, "/", "", "token", sess.Token)
	if err := h.DeleteSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	c, _ = newContext(e, http.MethodDelete, "/", "", "token", sess.Token)
	if code := httpCode(t, h.DeleteSession(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_ResendInvitation(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("bounced")}
	h, e := newTestHandler(WithMailer(mailer))
	noEmail := createMax(t, h.svc, "")
	withEmail := createMax(t, h.svc, "max@example.org")

	c, _ := newContext(e, http.MethodPost, "/", "", "token", noEmail.Token)
	if code := httpCode(t, h.ResendInvitation(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
	c, _ = newContext(e, http.MethodPost, "/", "", "token", withEmail.Token)
	if code := httpCode(t, h.ResendInvitation(c)); code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", code)
	}
}

func TestHandler_PrintView(t *testing.T) {
	h, e := newTestHandler()
	sess := createMax(t, h.svc, "")

	c, _ := newContext(e, http.MethodGet, "/", "", "token", sess.Token)
	if code := httpCode(t, h.PrintView(c)); code != http.StatusConflict {
		t.Errorf("expected 409 before completion, got %d", code)
	}

	if _, err := h.svc.Submit(context.Background(), sess.Token, completeAnswers(1), testNow); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c, rec := newContext(e, http.MethodGet, "/", "", "token", sess.Token)
	if err := h.PrintView(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func gdtRequest(t *testing.T) []byte {
	t.Helper()
	rec := &gdt.Record{}
	rec.Add(gdt.FieldRecordType, gdt.RecordTypeRequest)
	rec.Add(gdt.FieldPatientID, "4711")
	rec.Add(gdt.FieldFirstName, "Jörg")
	rec.Add(gdt.FieldLastName, "Müller")
	rec.Add(gdt.FieldBirthDate, "15031980")
	b, err := gdt.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func TestHandler_GDTRoundTrip(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/gdt/requests", bytes.NewReader(gdtRequest(t)))
	rec := httptest.NewRecorder()
	if err := h.ImportGDTRequest(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var link GDTLinkResponse
	json.Unmarshal(rec.Body.Bytes(), &link)

	sess, err := h.svc.GetForAdmin(context.Background(), link.Token)
	if err != nil {
		t.Fatalf("GetForAdmin: %v", err)
	}
	if sess.LastName != "Müller" || sess.GDTPatientID == nil || *sess.GDTPatientID != "4711" {
		t.Errorf("unexpected imported session %+v", sess)
	}

	c, rec := newContext(e, http.MethodGet, "/", "", "token", link.Token)
	if err := h.GDTResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 while pending, got %d", rec.Code)
	}

	if _, err := h.svc.Submit(context.Background(), link.Token, completeAnswers(2), testNow); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c, rec = newContext(e, http.MethodGet, "/", "", "token", link.Token)
	if err := h.GDTResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	result, err := gdt.Parse(rec.Body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.Type() != gdt.RecordTypeResult || result.Get(gdt.FieldPatientID) != "4711" {
		t.Errorf("unexpected result record %+v", result.Fields)
	}
	if got := result.Get(gdt.FieldResultLine2); got != "ESS-Gesamtscore: 16/24" {
		t.Errorf("unexpected score line %q", got)
	}
}

func TestHandler_ImportGDTRequest_LinkRecord(t *testing.T) {
	h, e := newTestHandler(WithLinkBase("https://praxis.example"))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/gdt/requests?format=gdt", bytes.NewReader(gdtRequest(t)))
	rec := httptest.NewRecorder()
	if err := h.ImportGDTRequest(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := gdt.Parse(rec.Body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.HasPrefix(out.Get(gdt.FieldResultLine1), "https://praxis.example/fragebogen/") {
		t.Errorf("unexpected link line %q", out.Get(gdt.FieldResultLine1))
	}
}

func TestHandler_ImportGDTRequest_Invalid(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if code := httpCode(t, h.ImportGDTRequest(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GDTResult_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c, _ := newContext(e, http.MethodGet, "/", "", "token", "unknown")
	if code := httpCode(t, h.GDTResult(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api"), e.Group("/api/admin"))

	want := map[string]bool{}
	for _, route := range []string{
		"GET /api/sessions/:token",
		"POST /api/sessions/:token/submit",
		"POST /api/questionnaire/steps/:index/validate",
		"PATCH /api/admin/sessions/:token",
		"GET /api/admin/gdt/results/:token",
	} {
		want[route] = false
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
