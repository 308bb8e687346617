package refrange

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidAgeUnit = errors.New("invalid age unit")
	ErrNegativeAge    = errors.New("age must not be negative")
)

// Sex is the demographic a reference range applies to.
type Sex string

const (
	SexBoth   Sex = "Ambos"
	SexMale   Sex = "Masculino"
	SexFemale Sex = "Femenino"
)

// IsCanonical reports whether s is one of Ambos, Masculino or Femenino.
func (s Sex) IsCanonical() bool {
	return s == SexBoth || s == SexMale || s == SexFemale
}

// NormalizeSex maps the historical sex tokens found in range tables to the
// canonical values. M/Masc* is Masculino, F/Fem* is Femenino and O/Amb* is
// Ambos, case- and accent-insensitive. Anything else is title-cased and
// returned as-is so the validation pass can report it.
func NormalizeSex(token string) Sex {
	trimmed := strings.TrimSpace(token)
	key := foldKey(trimmed)
	switch {
	case key == "m" || strings.HasPrefix(key, "masc"):
		return SexMale
	case key == "f" || strings.HasPrefix(key, "fem"):
		return SexFemale
	case key == "o" || strings.HasPrefix(key, "amb"):
		return SexBoth
	}
	return Sex(cases.Title(language.Spanish).String(trimmed))
}

// AgeUnit is the unit age bounds are expressed in.
type AgeUnit string

const (
	AgeUnitYears  AgeUnit = "años"
	AgeUnitMonths AgeUnit = "meses"
	AgeUnitDays   AgeUnit = "días"
)

const (
	daysPerYear   = 365.25
	monthsPerYear = 12.0
)

var ageUnitTokens = map[string]AgeUnit{
	"":       AgeUnitYears,
	"a":      AgeUnitYears,
	"y":      AgeUnitYears,
	"ano":    AgeUnitYears,
	"anos":   AgeUnitYears,
	"year":   AgeUnitYears,
	"years":  AgeUnitYears,
	"m":      AgeUnitMonths,
	"mes":    AgeUnitMonths,
	"meses":  AgeUnitMonths,
	"month":  AgeUnitMonths,
	"months": AgeUnitMonths,
	"d":      AgeUnitDays,
	"dia":    AgeUnitDays,
	"dias":   AgeUnitDays,
	"day":    AgeUnitDays,
	"days":   AgeUnitDays,
}

// ParseAgeUnit accepts Spanish and English unit tokens. The empty token means years.
func ParseAgeUnit(token string) (AgeUnit, error) {
	if u, ok := ageUnitTokens[foldKey(token)]; ok {
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAgeUnit, token)
}

// AgeToYears converts an age expressed in unit to fractional years.
func AgeToYears(value float64, unit AgeUnit) (float64, error) {
	if value < 0 || math.IsNaN(value) {
		return 0, fmt.Errorf("%w: %v", ErrNegativeAge, value)
	}
	u, err := ParseAgeUnit(string(unit))
	if err != nil {
		return 0, err
	}
	switch u {
	case AgeUnitMonths:
		return value / monthsPerYear, nil
	case AgeUnitDays:
		return value / daysPerYear, nil
	default:
		return value, nil
	}
}

// Study groups the parameters of one laboratory test.
type Study struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Code      *string   `db:"code" json:"code,omitempty"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Parameter is a measurable analyte within a study.
type Parameter struct {
	ID        uuid.UUID `db:"id" json:"id"`
	StudyID   uuid.UUID `db:"study_id" json:"study_id"`
	Name      string    `db:"name" json:"name"`
	Unit      *string   `db:"unit" json:"unit,omitempty"`
	Decimals  int       `db:"decimals" json:"decimals"`
	Position  int       `db:"position" json:"position"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	// New marks parameters created by coverage synthesis that are not persisted yet.
	New bool `db:"-" json:"new,omitempty"`
}

// ReferenceRange is one clinical interval definition for a parameter.
type ReferenceRange struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ParameterID uuid.UUID `db:"parameter_id" json:"parameter_id"`
	Sex         Sex       `db:"sex" json:"sex"`
	AgeMin      float64   `db:"age_min" json:"age_min"`
	AgeMax      float64   `db:"age_max" json:"age_max"`
	AgeUnit     AgeUnit   `db:"age_unit" json:"age_unit"`
	Lower       *float64  `db:"lower_bound" json:"lower,omitempty"`
	Upper       *float64  `db:"upper_bound" json:"upper,omitempty"`
	TextValue   *string   `db:"text_value" json:"text_value,omitempty"`
	Unit        *string   `db:"unit" json:"unit,omitempty"`
	Method      *string   `db:"method" json:"method,omitempty"`
	Note        *string   `db:"note" json:"note,omitempty"`
	Placeholder bool      `db:"is_placeholder" json:"placeholder"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// HasValue reports whether the range carries a lower bound, an upper bound or
// a non-blank text value. Ranges without any of them never match.
func (r *ReferenceRange) HasValue() bool {
	return r.Lower != nil || r.Upper != nil || strings.TrimSpace(strVal(r.TextValue)) != ""
}

// AgeBoundsYears returns the age interval in years, swapping inverted bounds.
func (r *ReferenceRange) AgeBoundsYears() (float64, float64, error) {
	lo, err := AgeToYears(r.AgeMin, r.AgeUnit)
	if err != nil {
		return 0, 0, err
	}
	hi, err := AgeToYears(r.AgeMax, r.AgeUnit)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

// methodKey is the trimmed lowercase method, empty when unset.
func (r *ReferenceRange) methodKey() string {
	return strings.ToLower(strings.TrimSpace(strVal(r.Method)))
}

type optFloat struct {
	set bool
	v   float64
}

func optional(f *float64) optFloat {
	if f == nil {
		return optFloat{}
	}
	return optFloat{set: true, v: *f}
}

// IdentityKey is the derived identity of a range. Two ranges with equal keys
// are duplicates. Absent numeric bounds are distinct from zero.
type IdentityKey struct {
	ParameterID uuid.UUID
	Sex         Sex
	AgeMin      float64
	AgeMax      float64
	AgeUnit     AgeUnit
	Lower       optFloat
	Upper       optFloat
	Text        string
	Unit        string
	Method      string
}

// Key derives the identity key of r after normalizing sex, age bounds and unit.
func (r *ReferenceRange) Key() IdentityKey {
	unit, err := ParseAgeUnit(string(r.AgeUnit))
	if err != nil {
		unit = AgeUnit(foldKey(string(r.AgeUnit)))
	}
	lo, hi := r.AgeMin, r.AgeMax
	if lo > hi {
		lo, hi = hi, lo
	}
	return IdentityKey{
		ParameterID: r.ParameterID,
		Sex:         NormalizeSex(string(r.Sex)),
		AgeMin:      lo,
		AgeMax:      hi,
		AgeUnit:     unit,
		Lower:       optional(r.Lower),
		Upper:       optional(r.Upper),
		Text:        strings.ToLower(strings.TrimSpace(strVal(r.TextValue))),
		Unit:        strings.ToLower(strings.TrimSpace(strVal(r.Unit))),
		Method:      r.methodKey(),
	}
}

// foldKey lowercases s, strips diacritics and collapses inner whitespace.
func foldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	return &s
}
