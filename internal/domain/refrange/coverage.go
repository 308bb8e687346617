package refrange

import (
	"fmt"
	"math"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

const bracketTolerance = 1e-6

// ParameterCoverage is a panel parameter with its existing ranges and the
// placeholder ranges synthesized to complete its segmentation.
type ParameterCoverage struct {
	Parameter         Parameter        `json:"parameter"`
	SexDifferentiated bool             `json:"sex_differentiated"`
	Existing          []ReferenceRange `json:"existing"`
	Synthesized       []ReferenceRange `json:"synthesized"`
}

// Ranges returns existing and synthesized ranges together.
func (c ParameterCoverage) Ranges() []ReferenceRange {
	out := make([]ReferenceRange, 0, len(c.Existing)+len(c.Synthesized))
	out = append(out, c.Existing...)
	return append(out, c.Synthesized...)
}

type slot struct {
	bracket int
	sex     Sex
}

// Synthesize completes the age/sex segmentation of panel for a study.
//
// params are the study's current parameters and existing all of their ranges.
// Panel entries are matched to params by name, ignoring case and diacritics;
// entries without a parameter get a new one flagged New. For every bracket a
// single Ambos row is emitted, or a Masculino and a Femenino row when the
// parameter is sex-differentiated and the bracket starts at or above the
// policy's split age. Slots already covered by an existing row are skipped, so
// real data is never shadowed and running Synthesize again adds nothing.
func (p *Policy) Synthesize(panel *Panel, studyID uuid.UUID, params []Parameter, existing []ReferenceRange, now time.Time) ([]ParameterCoverage, error) {
	byName := make(map[string]Parameter, len(params))
	for _, prm := range params {
		key := foldKey(prm.Name)
		if _, dup := byName[key]; !dup {
			byName[key] = prm
		}
	}
	byParam := make(map[uuid.UUID][]ReferenceRange, len(params))
	for _, r := range existing {
		byParam[r.ParameterID] = append(byParam[r.ParameterID], r)
	}

	out := make([]ParameterCoverage, 0, len(panel.Entries))
	for pos, entry := range panel.Entries {
		prm, ok := byName[foldKey(entry.Name)]
		if !ok {
			prm = Parameter{
				ID:        uuid.New(),
				StudyID:   studyID,
				Name:      entry.Name,
				Decimals:  entry.Decimals,
				Position:  pos,
				CreatedAt: now,
				New:       true,
			}
			if entry.Unit != "" {
				prm.Unit = strPtr(entry.Unit)
			}
		}

		cov := ParameterCoverage{
			Parameter:         prm,
			SexDifferentiated: p.IsSexDifferentiated(prm.Name),
			Existing:          byParam[prm.ID],
		}
		covered, err := p.coveredSlots(cov.Existing)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", prm.Name, err)
		}
		for i, b := range p.Brackets {
			for _, sex := range p.sexesFor(cov.SexDifferentiated, b) {
				if covered.Contains(slot{i, sex}) {
					continue
				}
				cov.Synthesized = append(cov.Synthesized, p.placeholder(prm, b, sex, now))
			}
		}
		out = append(out, cov)
	}
	return out, nil
}

func (p *Policy) sexesFor(differentiated bool, b Bracket) []Sex {
	if differentiated && b.Min >= p.SexSplitMinAge {
		return []Sex{SexMale, SexFemale}
	}
	return []Sex{SexBoth}
}

// coveredSlots returns the (bracket, sex) slots the existing rows occupy. An
// Ambos row covers every sex of its bracket; Masculino and Femenino rows
// together cover the Ambos slot.
func (p *Policy) coveredSlots(existing []ReferenceRange) (mapset.Set[slot], error) {
	covered := mapset.NewThreadUnsafeSet[slot]()
	for _, r := range existing {
		lo, hi, err := r.AgeBoundsYears()
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", r.ID, err)
		}
		idx := p.bracketIndex(lo, hi)
		if idx < 0 {
			continue
		}
		switch NormalizeSex(string(r.Sex)) {
		case SexBoth:
			covered.Append(slot{idx, SexBoth}, slot{idx, SexMale}, slot{idx, SexFemale})
		case SexMale:
			covered.Add(slot{idx, SexMale})
		case SexFemale:
			covered.Add(slot{idx, SexFemale})
		}
	}
	for i := range p.Brackets {
		if covered.Contains(slot{i, SexMale}, slot{i, SexFemale}) {
			covered.Add(slot{i, SexBoth})
		}
	}
	return covered, nil
}

func (p *Policy) bracketIndex(lo, hi float64) int {
	for i, b := range p.Brackets {
		if math.Abs(b.Min-lo) <= bracketTolerance && math.Abs(b.Max-hi) <= bracketTolerance {
			return i
		}
	}
	return -1
}

func (p *Policy) placeholder(prm Parameter, b Bracket, sex Sex, now time.Time) ReferenceRange {
	return ReferenceRange{
		ID:          uuid.New(),
		ParameterID: prm.ID,
		Sex:         sex,
		AgeMin:      b.Min,
		AgeMax:      b.Max,
		AgeUnit:     AgeUnitYears,
		TextValue:   strPtr(p.PlaceholderNote),
		Unit:        prm.Unit,
		Placeholder: true,
		CreatedAt:   now,
	}
}
