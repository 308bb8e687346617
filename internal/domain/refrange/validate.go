package refrange

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefectKind names a data-quality problem found in a range row.
type DefectKind string

const (
	DefectMissingValue   DefectKind = "missing_value"
	DefectInvertedAge    DefectKind = "inverted_age"
	DefectInvertedBounds DefectKind = "inverted_bounds"
	DefectUnknownSex     DefectKind = "unknown_sex"
	DefectInvalidAgeUnit DefectKind = "invalid_age_unit"
	DefectUnitMismatch   DefectKind = "unit_mismatch"
)

// Defect is one finding of the validation pass.
type Defect struct {
	RangeID     uuid.UUID  `json:"range_id"`
	ParameterID uuid.UUID  `json:"parameter_id"`
	Parameter   string     `json:"parameter,omitempty"`
	Kind        DefectKind `json:"kind"`
	Detail      string     `json:"detail"`
}

// Validate scans ranges for data-quality defects. params supplies names and
// declared units; ranges of unknown parameters are still checked.
func Validate(params []Parameter, ranges []ReferenceRange) []Defect {
	byID := make(map[uuid.UUID]Parameter, len(params))
	for _, p := range params {
		byID[p.ID] = p
	}

	var defects []Defect
	for _, r := range ranges {
		prm, known := byID[r.ParameterID]
		add := func(kind DefectKind, format string, args ...any) {
			defects = append(defects, Defect{
				RangeID:     r.ID,
				ParameterID: r.ParameterID,
				Parameter:   prm.Name,
				Kind:        kind,
				Detail:      fmt.Sprintf(format, args...),
			})
		}

		if !r.HasValue() {
			add(DefectMissingValue, "range has no lower bound, upper bound or text value")
		}
		if r.AgeMin > r.AgeMax {
			add(DefectInvertedAge, "age_min %v is greater than age_max %v", r.AgeMin, r.AgeMax)
		}
		if r.Lower != nil && r.Upper != nil && *r.Lower > *r.Upper {
			add(DefectInvertedBounds, "lower %v is greater than upper %v", *r.Lower, *r.Upper)
		}
		if sex := NormalizeSex(string(r.Sex)); !sex.IsCanonical() {
			add(DefectUnknownSex, "sex %q is not Ambos, Masculino or Femenino", r.Sex)
		}
		if _, err := ParseAgeUnit(string(r.AgeUnit)); err != nil {
			add(DefectInvalidAgeUnit, "age unit %q is not recognized", r.AgeUnit)
		}
		if known && prm.Unit != nil && r.Unit != nil {
			declared := strings.TrimSpace(*prm.Unit)
			shown := strings.TrimSpace(*r.Unit)
			if declared != "" && shown != "" && !strings.EqualFold(declared, shown) {
				add(DefectUnitMismatch, "range unit %q differs from parameter unit %q", shown, declared)
			}
		}
	}
	return defects
}
