package refrange

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labref/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/parameters/:id/reference-range", h.ResolveRange)
	api.GET("/reference-ranges/audit/sex-exclusivity", h.AuditExclusivity)
	api.GET("/reference-ranges/defects", h.ListDefects)
	api.POST("/reference-ranges/deduplicate", h.Deduplicate)
	api.POST("/studies/:id/coverage", h.SynthesizeCoverage)
	api.GET("/panels", h.ListPanels)
}

// ResolveRange answers which range applies to the patient described by the
// query: sex plus either age (with age_unit) or birth_date (with optional at).
func (h *Handler) ResolveRange(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := patientFromQuery(c)
	if err != nil {
		return err
	}
	res, err := h.svc.ResolveForPatient(c.Request().Context(), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func patientFromQuery(c echo.Context) (Patient, error) {
	sex := c.QueryParam("sex")
	method := c.QueryParam("method")

	if dob := c.QueryParam("birth_date"); dob != "" {
		born, err := time.Parse(time.DateOnly, dob)
		if err != nil {
			return Patient{}, echo.NewHTTPError(http.StatusBadRequest, "birth_date must be YYYY-MM-DD")
		}
		at := time.Now().UTC()
		if v := c.QueryParam("at"); v != "" {
			if at, err = time.Parse(time.DateOnly, v); err != nil {
				return Patient{}, echo.NewHTTPError(http.StatusBadRequest, "at must be YYYY-MM-DD")
			}
		}
		p, err := PatientFromBirthDate(sex, born, at, method)
		if err != nil {
			return Patient{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return p, nil
	}

	raw := c.QueryParam("age")
	if raw == "" {
		return Patient{}, echo.NewHTTPError(http.StatusBadRequest, "age or birth_date is required")
	}
	age, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Patient{}, echo.NewHTTPError(http.StatusBadRequest, "age must be a number")
	}
	unit, err := ParseAgeUnit(c.QueryParam("age_unit"))
	if err != nil {
		return Patient{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := NewPatient(sex, age, unit, method)
	if err != nil {
		return Patient{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return p, nil
}

func (h *Handler) AuditExclusivity(c echo.Context) error {
	report, err := h.svc.AuditExclusivity(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// ListDefects pages through the validation findings, optionally narrowed to
// one kind.
func (h *Handler) ListDefects(c echo.Context) error {
	p := pagination.FromContext(c)
	defects, err := h.svc.ValidateRanges(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if kind := DefectKind(c.QueryParam("kind")); kind != "" {
		filtered := defects[:0]
		for _, d := range defects {
			if d.Kind == kind {
				filtered = append(filtered, d)
			}
		}
		defects = filtered
	}
	resp := pagination.NewResponse(pagination.Slice(defects, p), len(defects), p.Limit, p.Offset)
	resp.Links = p.Links(c.Request().URL.Path, len(defects))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Deduplicate(c echo.Context) error {
	dryRun, err := boolQuery(c, "dry_run")
	if err != nil {
		return err
	}
	report, err := h.svc.Deduplicate(c.Request().Context(), dryRun)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) SynthesizeCoverage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	panel := c.QueryParam("panel")
	if panel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "panel is required")
	}
	dryRun, err := boolQuery(c, "dry_run")
	if err != nil {
		return err
	}
	report, err := h.svc.SynthesizeCoverage(c.Request().Context(), panel, id, dryRun)
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if dryRun || report.CreatedRanges == 0 {
		status = http.StatusOK
	}
	return c.JSON(status, report)
}

func (h *Handler) ListPanels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policy_version": h.svc.Policy().Version,
		"panels":         h.svc.Panels(),
	})
}

func boolQuery(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, name+" must be a boolean")
	}
	return v, nil
}

// httpError maps service errors. Request validation happens before the
// service is called, so anything else here is a server-side failure,
// including stored rows with an unusable age unit.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrParameterNotFound),
		errors.Is(err, ErrStudyNotFound),
		errors.Is(err, ErrPanelNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
