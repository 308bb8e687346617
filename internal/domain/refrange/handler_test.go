package refrange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *mockRepo, *echo.Echo) {
	repo := newMockRepo()
	h := NewHandler(newTestService(t, repo))
	return h, repo, echo.New()
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_ResolveRange(t *testing.T) {
	h, repo, e := newTestHandler(t)
	prm := repo.addParam(repo.addStudy("Hemograma").ID, "Hemoglobina")
	female := rng(prm.ID, SexFemale, 18, 65, fptr(12), fptr(16))
	repo.ranges = append(repo.ranges, female)

	req := httptest.NewRequest(http.MethodGet, "/?sex=F&age=30", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(prm.ID.String())

	if err := h.ResolveRange(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var res Resolution
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Match.Status != MatchFound || res.Match.Range.ID != female.ID {
		t.Errorf("expected female range, got %+v", res.Match)
	}
	if res.Display != "12–16" {
		t.Errorf("expected display 12–16, got %q", res.Display)
	}
	if res.Match.Label != "Adulto Mujer" {
		t.Errorf("expected label Adulto Mujer, got %q", res.Match.Label)
	}
}

func TestHandler_ResolveRange_BirthDateAndUnits(t *testing.T) {
	h, repo, e := newTestHandler(t)
	prm := repo.addParam(repo.addStudy("Hemograma").ID, "Leucocitos")
	infant := rng(prm.ID, SexBoth, 0, 12, fptr(6), fptr(17.5))
	infant.AgeUnit = AgeUnitMonths
	repo.ranges = append(repo.ranges, infant)

	for _, q := range []string{
		"/?sex=M&birth_date=2024-01-01&at=2024-07-01",
		"/?sex=M&age=6&age_unit=meses",
		"/?sex=M&age=180&age_unit=dias",
	} {
		req := httptest.NewRequest(http.MethodGet, q, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(prm.ID.String())

		if err := h.ResolveRange(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", q, err)
		}
		var res Resolution
		json.Unmarshal(rec.Body.Bytes(), &res)
		if res.Match.Status != MatchFound {
			t.Errorf("%s: expected match, got %s", q, res.Match.Status)
		}
	}
}

func TestHandler_ResolveRange_BadRequests(t *testing.T) {
	h, repo, e := newTestHandler(t)
	prm := repo.addParam(repo.addStudy("Hemograma").ID, "Hemoglobina")

	tests := []struct {
		id    string
		query string
		want  int
	}{
		{"not-a-uuid", "/?sex=F&age=30", http.StatusBadRequest},
		{prm.ID.String(), "/?sex=F", http.StatusBadRequest},
		{prm.ID.String(), "/?sex=F&age=abc", http.StatusBadRequest},
		{prm.ID.String(), "/?sex=F&age=-2", http.StatusBadRequest},
		{prm.ID.String(), "/?sex=F&age=3&age_unit=semanas", http.StatusBadRequest},
		{prm.ID.String(), "/?sex=F&birth_date=01/02/2000", http.StatusBadRequest},
		{prm.ID.String(), "/?sex=F&birth_date=2030-01-01&at=2020-01-01", http.StatusBadRequest},
		{uuid.New().String(), "/?sex=F&age=30", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.query, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(tt.id)

		err := h.ResolveRange(c)
		if err == nil {
			t.Errorf("%s %s: expected error", tt.id, tt.query)
			continue
		}
		if got := statusOf(t, err); got != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.id, tt.query, tt.want, got)
		}
	}
}

func TestHandler_ResolveRange_StoredDefectIsServerError(t *testing.T) {
	h, repo, e := newTestHandler(t)
	prm := repo.addParam(repo.addStudy("Hemograma").ID, "Hemoglobina")
	broken := rng(prm.ID, SexBoth, 0, 120, fptr(12), fptr(16))
	broken.AgeUnit = "semanas"
	repo.ranges = append(repo.ranges, broken)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?sex=F&age=30", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(prm.ID.String())

	err := h.ResolveRange(c)
	if err == nil {
		t.Fatal("expected error for a stored range with an invalid age unit")
	}
	if got := statusOf(t, err); got != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", got)
	}
}

func TestHandler_ListDefects(t *testing.T) {
	h, repo, e := newTestHandler(t)
	prm := repo.addParam(repo.addStudy("Química").ID, "Glucosa")
	for i := 0; i < 3; i++ {
		repo.ranges = append(repo.ranges, rng(prm.ID, SexBoth, 0, 120, nil, nil))
	}
	repo.ranges = append(repo.ranges, rng(prm.ID, "X", 0, 120, fptr(1), fptr(2)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reference-ranges/defects?limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListDefects(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Data    []Defect `json:"data"`
		Total   int      `json:"total"`
		HasMore bool     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 4 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page: total=%d len=%d has_more=%v", body.Total, len(body.Data), body.HasMore)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/reference-ranges/defects?kind=unknown_sex", nil)
	rec = httptest.NewRecorder()
	if err := h.ListDefects(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Data[0].Kind != DefectUnknownSex {
		t.Errorf("expected one unknown_sex defect, got %+v", body)
	}
}

func TestHandler_Deduplicate(t *testing.T) {
	h, repo, e := newTestHandler(t)
	prm := repo.addParam(repo.addStudy("Hemograma").ID, "Plaquetas")
	a := rng(prm.ID, SexBoth, 0, 120, fptr(150), fptr(450))
	b := a
	b.ID = uuid.New()
	repo.ranges = []ReferenceRange{a, b}

	req := httptest.NewRequest(http.MethodPost, "/?dry_run=true", nil)
	rec := httptest.NewRecorder()
	if err := h.Deduplicate(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report DedupReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if !report.DryRun || len(report.Duplicates) != 1 || len(repo.ranges) != 2 {
		t.Errorf("unexpected dry run outcome: %+v", report)
	}

	req = httptest.NewRequest(http.MethodPost, "/?dry_run=maybe", nil)
	err := h.Deduplicate(e.NewContext(req, httptest.NewRecorder()))
	if err == nil || statusOf(t, err) != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid dry_run, got %v", err)
	}
}

func TestHandler_SynthesizeCoverage(t *testing.T) {
	h, repo, e := newTestHandler(t)
	st := repo.addStudy("Perfil de lípidos")

	req := httptest.NewRequest(http.MethodPost, "/?panel=perfil_lipidico", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(st.ID.String())

	if err := h.SynthesizeCoverage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var report CoverageReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	// HDL is sex-differentiated: 9 rows; the other four get 6 each.
	if report.CreatedRanges != 9+4*6 {
		t.Errorf("expected 33 ranges, got %d", report.CreatedRanges)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/?panel=perfil_lipidico", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(st.ID.String())
	if err := h.SynthesizeCoverage(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when nothing is created, got %d", rec.Code)
	}
}

func TestHandler_SynthesizeCoverage_Errors(t *testing.T) {
	h, repo, e := newTestHandler(t)
	st := repo.addStudy("Química")

	tests := []struct {
		id, query string
		want      int
	}{
		{st.ID.String(), "/", http.StatusBadRequest},
		{"bad", "/?panel=hemograma", http.StatusBadRequest},
		{st.ID.String(), "/?panel=orina", http.StatusNotFound},
		{uuid.New().String(), "/?panel=hemograma", http.StatusNotFound},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, tt.query, nil), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(tt.id)
		err := h.SynthesizeCoverage(c)
		if err == nil {
			t.Errorf("%s %s: expected error", tt.id, tt.query)
			continue
		}
		if got := statusOf(t, err); got != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.id, tt.query, tt.want, got)
		}
	}
}

func TestHandler_AuditAndPanels(t *testing.T) {
	h, _, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	if err := h.AuditExclusivity(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	if err := h.ListPanels(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatal(err)
	}
	var body struct {
		PolicyVersion string  `json:"policy_version"`
		Panels        []Panel `json:"panels"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Panels) != 3 || body.PolicyVersion == "" {
		t.Errorf("unexpected panels response: %+v", body)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/parameters/:id/reference-range":        false,
		"GET /api/v1/reference-ranges/audit/sex-exclusivity": false,
		"GET /api/v1/reference-ranges/defects":               false,
		"POST /api/v1/reference-ranges/deduplicate":          false,
		"POST /api/v1/studies/:id/coverage":                  false,
		"GET /api/v1/panels":                                 false,
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
