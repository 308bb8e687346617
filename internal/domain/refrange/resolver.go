package refrange

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const ageEpsilon = 1e-9

// Patient is the demographic context a range is resolved for.
type Patient struct {
	Sex      Sex     `json:"sex"`
	AgeYears float64 `json:"age_years"`
	// Method is an optional analytical-method preference.
	Method string `json:"method,omitempty"`
}

// NewPatient builds a Patient from a raw sex token and an age in unit.
func NewPatient(sex string, age float64, unit AgeUnit, method string) (Patient, error) {
	years, err := AgeToYears(age, unit)
	if err != nil {
		return Patient{}, err
	}
	return Patient{Sex: NormalizeSex(sex), AgeYears: years, Method: strings.TrimSpace(method)}, nil
}

// PatientFromBirthDate builds a Patient whose age is computed at the reference date.
func PatientFromBirthDate(sex string, dob, at time.Time, method string) (Patient, error) {
	years, err := AgeInYears(dob, at)
	if err != nil {
		return Patient{}, err
	}
	return Patient{Sex: NormalizeSex(sex), AgeYears: years, Method: strings.TrimSpace(method)}, nil
}

// AgeInYears returns the fractional age in years between dob and at.
func AgeInYears(dob, at time.Time) (float64, error) {
	if at.Before(dob) {
		return 0, fmt.Errorf("%w: birth date %s is after %s", ErrNegativeAge,
			dob.Format(time.DateOnly), at.Format(time.DateOnly))
	}
	return at.Sub(dob).Hours() / 24 / daysPerYear, nil
}

// MatchStatus is the outcome class of a resolution.
type MatchStatus string

const (
	MatchFound     MatchStatus = "matched"
	MatchAmbiguous MatchStatus = "ambiguous"
	MatchNone      MatchStatus = "no_match"
)

// ResolvedMatch is the result of resolving a parameter's ranges for a patient.
// Range is set only when Status is MatchFound; Candidates holds the tied rows
// when Status is MatchAmbiguous.
type ResolvedMatch struct {
	Status     MatchStatus      `json:"status"`
	Range      *ReferenceRange  `json:"range,omitempty"`
	Candidates []ReferenceRange `json:"candidates,omitempty"`
	Label      string           `json:"label,omitempty"`
}

// Matched reports whether exactly one range applies.
func (m ResolvedMatch) Matched() bool {
	return m.Status == MatchFound
}

type candidate struct {
	r           *ReferenceRange
	width       float64
	exactSex    bool
	methodMatch bool
}

// Resolve picks the reference range of ranges that applies to p.
//
// Candidates must carry a value, contain the patient's age (bounds inclusive)
// and be either for the patient's sex or for Ambos. Placeholder rows only
// survive when nothing else does. With a method preference, ranges for a
// different method are excluded and matching ones win over method-less ones
// before any tie-break; without one, method-less ranges are preferred. Ties
// are broken by exact sex over Ambos, then the narrower age interval, then an
// explicit method match, then the most recently created row. Rows still tied
// after that are returned as an ambiguous match.
//
// Absence of data is a MatchNone result, not an error. Errors are returned
// only for a negative patient age or a range with an invalid age unit.
func Resolve(ranges []ReferenceRange, p Patient) (ResolvedMatch, error) {
	if p.AgeYears < 0 || math.IsNaN(p.AgeYears) {
		return ResolvedMatch{}, fmt.Errorf("%w: %v", ErrNegativeAge, p.AgeYears)
	}
	patientSex := NormalizeSex(string(p.Sex))
	pref := strings.ToLower(strings.TrimSpace(p.Method))

	cands := make([]candidate, 0, len(ranges))
	for i := range ranges {
		r := &ranges[i]
		if !r.HasValue() {
			continue
		}
		lo, hi, err := r.AgeBoundsYears()
		if err != nil {
			return ResolvedMatch{}, fmt.Errorf("range %s: %w", r.ID, err)
		}
		if p.AgeYears < lo-ageEpsilon || p.AgeYears > hi+ageEpsilon {
			continue
		}
		rangeSex := NormalizeSex(string(r.Sex))
		if rangeSex != SexBoth && rangeSex != patientSex {
			continue
		}
		method := r.methodKey()
		if pref != "" && method != "" && method != pref {
			continue
		}
		cands = append(cands, candidate{
			r:           r,
			width:       hi - lo,
			exactSex:    rangeSex != SexBoth,
			methodMatch: pref != "" && method == pref,
		})
	}

	cands = keepIf(cands, func(c candidate) bool { return !c.r.Placeholder })

	// Method stage. Rows for another method were dropped above, so what is
	// left either matches the preference or has no method.
	if pref != "" {
		cands = keepIf(cands, func(c candidate) bool { return c.methodMatch })
	} else {
		cands = keepIf(cands, func(c candidate) bool { return c.r.methodKey() == "" })
	}

	// (a) exact sex over Ambos
	cands = keepIf(cands, func(c candidate) bool { return c.exactSex })
	// (b) narrower age interval
	if len(cands) > 1 {
		narrowest := math.Inf(1)
		for _, c := range cands {
			narrowest = math.Min(narrowest, c.width)
		}
		cands = keepIf(cands, func(c candidate) bool { return c.width <= narrowest+ageEpsilon })
	}
	// (c) explicit method match over absent method
	cands = keepIf(cands, func(c candidate) bool { return c.methodMatch })
	// (d) most recently created
	if len(cands) > 1 {
		latest := cands[0].r.CreatedAt
		for _, c := range cands[1:] {
			if c.r.CreatedAt.After(latest) {
				latest = c.r.CreatedAt
			}
		}
		cands = keepIf(cands, func(c candidate) bool { return c.r.CreatedAt.Equal(latest) })
	}

	switch len(cands) {
	case 0:
		return ResolvedMatch{Status: MatchNone}, nil
	case 1:
		chosen := *cands[0].r
		return ResolvedMatch{Status: MatchFound, Range: &chosen, Label: DemographicLabel(&chosen)}, nil
	}
	tied := make([]ReferenceRange, len(cands))
	for i, c := range cands {
		tied[i] = *c.r
	}
	return ResolvedMatch{Status: MatchAmbiguous, Candidates: tied, Label: DemographicLabel(&tied[0])}, nil
}

// keepIf narrows cands to the ones satisfying pred, unless none do, in which
// case cands is returned unchanged. Filtering happens in place.
func keepIf(cands []candidate, pred func(candidate) bool) []candidate {
	n := 0
	for _, c := range cands {
		if pred(c) {
			n++
		}
	}
	if n == 0 || n == len(cands) {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// DemographicLabel describes who a range applies to, e.g. "Adulto Mujer".
func DemographicLabel(r *ReferenceRange) string {
	lo, hi, err := r.AgeBoundsYears()
	if err != nil {
		return ""
	}
	var age string
	switch {
	case lo <= 0 && hi >= 100:
		age = "General"
	case lo < 1:
		age = "Lactante"
	case lo < 2:
		age = "Infante"
	case lo < 12:
		age = "Niño"
	case lo < 18:
		age = "Adolescente"
	case lo < 65:
		age = "Adulto"
	default:
		age = "Adulto Mayor"
	}
	switch NormalizeSex(string(r.Sex)) {
	case SexMale:
		return age + " Hombre"
	case SexFemale:
		return age + " Mujer"
	}
	return age
}
