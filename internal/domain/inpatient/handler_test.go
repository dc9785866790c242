package inpatient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/inpatient/internal/platform/auth"
)

type apiClient struct {
	t   *testing.T
	e   *echo.Echo
	org uuid.UUID
}

func newAPI(t *testing.T, f *fixture) *apiClient {
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return &apiClient{t: t, e: e, org: f.actor.OrganizationID}
}

// do sends a request as user "nurse-1" of the client's organization.
func (a *apiClient) do(method, path, body string, roles ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.doAs(a.org, method, path, body, roles...)
}

func (a *apiClient) doAs(org uuid.UUID, method, path, body string, roles ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req = req.WithContext(auth.WithIdentity(context.Background(), "nurse-1", org, roles))
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_CreateWard(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	rec := api.do(http.MethodPost, "/api/v1/wards", `{"name":"ICU","type":"icu"}`, auth.RoleBedManager)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var w Ward
	decode(t, rec, &w)
	if w.Name != "ICU" || w.GenderRestriction != GenderAny || w.OrganizationID != f.actor.OrganizationID {
		t.Errorf("unexpected ward %+v", w)
	}

	rec = api.do(http.MethodPost, "/api/v1/wards", `{"type":"icu"}`, auth.RoleBedManager)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", rec.Code)
	}
	rec = api.do(http.MethodPost, "/api/v1/wards", `{"name":`, auth.RoleBedManager)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandler_Roles(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	admit := fmt.Sprintf(`{"patient_id":%q,"bed_id":%q,"admitting_diagnosis":"x"}`, uuid.New(), f.beds[0].ID)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		roles  []string
		want   int
	}{
		{"viewer reads census", http.MethodGet, "/api/v1/census", "", []string{auth.RoleViewer}, http.StatusOK},
		{"no role", http.MethodGet, "/api/v1/census", "", nil, http.StatusForbidden},
		{"viewer cannot create ward", http.MethodPost, "/api/v1/wards", `{"name":"A","type":"general"}`, []string{auth.RoleViewer}, http.StatusForbidden},
		{"nurse cannot create ward", http.MethodPost, "/api/v1/wards", `{"name":"A","type":"general"}`, []string{auth.RoleNurse}, http.StatusForbidden},
		{"physician cannot set bed status", http.MethodPut, "/api/v1/beds/" + f.beds[1].ID.String() + "/status", `{"status":"CLEANING"}`, []string{auth.RolePhysician}, http.StatusForbidden},
		{"viewer cannot admit", http.MethodPost, "/api/v1/admissions", admit, []string{auth.RoleViewer}, http.StatusForbidden},
		{"viewer cannot reconcile", http.MethodPost, "/api/v1/reconcile", "", []string{auth.RoleViewer}, http.StatusForbidden},
		{"admin passes every check", http.MethodPost, "/api/v1/wards", `{"name":"B","type":"general"}`, []string{auth.RoleAdmin}, http.StatusCreated},
		{"physician admits", http.MethodPost, "/api/v1/admissions", admit, []string{auth.RolePhysician}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(tt.method, tt.path, tt.body, tt.roles...)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_RequiresOrganization(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	rec := api.doAs(uuid.Nil, http.MethodGet, "/api/v1/wards", "", auth.RoleAdmin)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without organization, got %d", rec.Code)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	a := f.admit(f.beds[0], uuid.New())
	closed := f.admit(f.beds[1], uuid.New())
	if _, err := f.svc.Discharge(f.ctx, f.actor, closed.ID, DischargeRequest{Disposition: DispositionHome}); err != nil {
		t.Fatalf("Discharge() error: %v", err)
	}
	bedPath := func(b *Bed) string { return "/api/v1/beds/" + b.ID.String() + "/status" }

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid id", http.MethodGet, "/api/v1/wards/not-a-uuid", "", http.StatusBadRequest},
		{"unknown ward", http.MethodGet, "/api/v1/wards/" + uuid.NewString(), "", http.StatusNotFound},
		{"unknown bed status", http.MethodPut, bedPath(f.beds[2]), `{"status":"BROKEN"}`, http.StatusBadRequest},
		{"occupied set manually", http.MethodPut, bedPath(f.beds[2]), `{"status":"OCCUPIED"}`, http.StatusUnprocessableEntity},
		{"bed holds admission", http.MethodPut, bedPath(f.beds[0]), `{"status":"BLOCKED"}`, http.StatusUnprocessableEntity},
		{"bed not available", http.MethodPost, "/api/v1/admissions",
			fmt.Sprintf(`{"patient_id":%q,"bed_id":%q,"admitting_diagnosis":"x"}`, uuid.New(), f.beds[0].ID), http.StatusUnprocessableEntity},
		{"admission closed", http.MethodPost, "/api/v1/admissions/" + closed.ID.String() + "/leave", `{"reason":"pass"}`, http.StatusUnprocessableEntity},
		{"transfer to own bed", http.MethodPost, "/api/v1/admissions/" + a.ID.String() + "/transfer",
			fmt.Sprintf(`{"to_bed_id":%q,"reason":"x"}`, f.beds[0].ID), http.StatusUnprocessableEntity},
		{"missing disposition", http.MethodPost, "/api/v1/admissions/" + a.ID.String() + "/discharge", `{}`, http.StatusBadRequest},
		{"ward in use", http.MethodPost, "/api/v1/wards/" + f.ward.ID.String() + "/deactivate", "", http.StatusUnprocessableEntity},
		{"bad pagination filter", http.MethodGet, "/api/v1/beds?ward_id=nope", "", http.StatusBadRequest},
		{"bad admission status", http.MethodGet, "/api/v1/admissions?status=GONE", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(tt.method, tt.path, tt.body, auth.RoleAdmin)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHttpError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{invalid("bad"), http.StatusBadRequest},
		{ErrDuplicate, http.StatusBadRequest},
		{notFound("bed"), http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrGenderRestricted, http.StatusUnprocessableEntity},
		{ErrPatientAlreadyAdmitted, http.StatusUnprocessableEntity},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		he, ok := httpError(tt.err).(*echo.HTTPError)
		if !ok || he.Code != tt.want {
			t.Errorf("httpError(%v) = %v, want %d", tt.err, he, tt.want)
		}
	}
}

func TestHandler_OtherOrganizationIsHidden(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	a := f.admit(f.beds[0], uuid.New())
	other := uuid.New()

	for _, path := range []string{
		"/api/v1/wards/" + f.ward.ID.String(),
		"/api/v1/wards/" + f.ward.ID.String() + "/rooms",
		"/api/v1/beds/" + f.beds[0].ID.String(),
		"/api/v1/admissions/" + a.ID.String(),
	} {
		if rec := api.doAs(other, http.MethodGet, path, "", auth.RoleViewer); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s from another organization: expected 404, got %d", path, rec.Code)
		}
	}

	rec := api.doAs(other, http.MethodGet, "/api/v1/patients/"+a.PatientID.String()+"/admissions", "", auth.RoleViewer)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty history for another organization, got %d %s", rec.Code, rec.Body.String())
	}
	rec = api.doAs(other, http.MethodGet, "/api/v1/wards", "", auth.RoleViewer)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty ward list, got %s", rec.Body.String())
	}
}

func TestHandler_AdmissionLifecycle(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	patient := uuid.New()

	rec := api.do(http.MethodPost, "/api/v1/admissions",
		fmt.Sprintf(`{"patient_id":%q,"bed_id":%q,"admitting_diagnosis":"appendicitis","admission_type":"emergency"}`, patient, f.beds[0].ID),
		auth.RoleNurse)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var a Admission
	decode(t, rec, &a)
	if a.AdmissionType != AdmissionEmergency || a.Status != AdmissionAdmitted || a.TransferHistory == nil {
		t.Errorf("unexpected admission %+v", a)
	}
	base := "/api/v1/admissions/" + a.ID.String()

	rec = api.do(http.MethodPost, base+"/transfer", fmt.Sprintf(`{"to_bed_id":%q,"reason":"window"}`, f.beds[1].ID), auth.RoleNurse)
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &a)
	if a.BedID != f.beds[1].ID || len(a.TransferHistory) != 1 {
		t.Errorf("unexpected transferred admission %+v", a)
	}

	rec = api.do(http.MethodPut, "/api/v1/beds/"+f.beds[0].ID.String()+"/status", `{"status":"AVAILABLE"}`, auth.RoleNurse)
	if rec.Code != http.StatusOK {
		t.Fatalf("bed status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.do(http.MethodGet, "/api/v1/admissions?status=ADMITTED", "", auth.RoleViewer)
	var page struct {
		Data  []Admission `json:"data"`
		Total int         `json:"total"`
	}
	decode(t, rec, &page)
	if page.Total != 1 || page.Data[0].ID != a.ID {
		t.Errorf("unexpected admission list %+v", page)
	}

	rec = api.do(http.MethodPost, base+"/discharge", `{"disposition":"home"}`, auth.RolePhysician)
	if rec.Code != http.StatusOK {
		t.Fatalf("discharge: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &a)
	if a.Status != AdmissionDischarged || a.LengthOfStayDays == nil {
		t.Errorf("unexpected discharged admission %+v", a)
	}

	rec = api.do(http.MethodGet, "/api/v1/patients/"+patient.String()+"/admissions", "", auth.RoleViewer)
	var history []Admission
	decode(t, rec, &history)
	if len(history) != 1 {
		t.Errorf("expected one admission in history, got %d", len(history))
	}

	rec = api.do(http.MethodGet, "/api/v1/census", "", auth.RoleViewer)
	var c Census
	decode(t, rec, &c)
	if c.Summary.Total != 4 || c.Summary.Cleaning != 1 || c.Summary.Available != 3 {
		t.Errorf("unexpected census %+v", c.Summary)
	}
	checkInvariants(t, f.store)
}

func TestHandler_Catalog(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	wardPath := "/api/v1/wards/" + f.ward.ID.String()

	rec := api.do(http.MethodPost, wardPath+"/provision", `{"room_prefix":"S","rooms_count":2,"beds_per_room":2}`, auth.RoleBedManager)
	if rec.Code != http.StatusCreated {
		t.Fatalf("provision: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res ProvisionResult
	decode(t, rec, &res)
	if len(res.Rooms) != 2 || len(res.Beds) != 4 || res.Ward.Total != 8 {
		t.Errorf("unexpected provision result: %d rooms, %d beds, total %d", len(res.Rooms), len(res.Beds), res.Ward.Total)
	}

	rec = api.do(http.MethodPost, wardPath+"/rooms", `{"room_number":"X-1","room_type":"private"}`, auth.RoleBedManager)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create room: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var room Room
	decode(t, rec, &room)

	rec = api.do(http.MethodPost, "/api/v1/rooms/"+room.ID.String()+"/beds", `{"bed_number":"X-1-A"}`, auth.RoleBedManager)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bed: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var bed Bed
	decode(t, rec, &bed)

	rec = api.do(http.MethodGet, "/api/v1/beds?status=AVAILABLE&limit=5", "", auth.RoleViewer)
	var page struct {
		Data    []Bed `json:"data"`
		Total   int   `json:"total"`
		HasMore bool  `json:"has_more"`
	}
	decode(t, rec, &page)
	if page.Total != 9 || len(page.Data) != 5 || !page.HasMore {
		t.Errorf("unexpected bed page: total %d, len %d, more %v", page.Total, len(page.Data), page.HasMore)
	}

	rec = api.do(http.MethodGet, "/api/v1/beds?status=OCCUPIED", "", auth.RoleViewer)
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}

	rec = api.do(http.MethodDelete, "/api/v1/beds/"+bed.ID.String(), "", auth.RoleBedManager)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate bed: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = api.do(http.MethodPost, wardPath+"/reconcile", "", auth.RoleBedManager)
	var report DriftReport
	decode(t, rec, &report)
	if rec.Code != http.StatusOK || report.HasDrift() {
		t.Errorf("expected clean reconcile, got %d %+v", rec.Code, report)
	}
	rec = api.do(http.MethodPost, "/api/v1/reconcile", "", auth.RoleBedManager)
	var sum ReconcileSummary
	decode(t, rec, &sum)
	if sum.Wards != 1 || sum.Drifted != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}

	rec = api.do(http.MethodPost, wardPath+"/deactivate", "", auth.RoleBedManager)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate ward: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	checkInvariants(t, f.store)
}
