package refrange

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// Exclusivity classifies a parameter or study by the sexes its ranges cover.
type Exclusivity string

const (
	NotExclusive Exclusivity = "not_exclusive"
	MaleOnly     Exclusivity = "male_only"
	FemaleOnly   Exclusivity = "female_only"
	NoRanges     Exclusivity = "no_ranges"
)

// ClassifyParameter looks at the distinct normalized sexes of ranges. Only
// Masculino rows make the parameter MaleOnly, only Femenino rows FemaleOnly.
// Any Ambos row, or both sexes, make it NotExclusive. Placeholder rows are
// not measured data and are ignored, so a parameter holding nothing else is
// NoRanges.
func ClassifyParameter(ranges []ReferenceRange) Exclusivity {
	sexes := mapset.NewThreadUnsafeSet[Sex]()
	for _, r := range ranges {
		if r.Placeholder {
			continue
		}
		sexes.Add(NormalizeSex(string(r.Sex)))
	}
	if sexes.Cardinality() == 0 {
		return NoRanges
	}
	switch {
	case sexes.Equal(mapset.NewThreadUnsafeSet(SexMale)):
		return MaleOnly
	case sexes.Equal(mapset.NewThreadUnsafeSet(SexFemale)):
		return FemaleOnly
	}
	return NotExclusive
}

// ParameterRanges is a parameter with all of its ranges.
type ParameterRanges struct {
	Parameter Parameter
	Ranges    []ReferenceRange
}

// StudyRanges is a study with its parameters and their ranges.
type StudyRanges struct {
	Study      Study
	Parameters []ParameterRanges
}

// AuditEntry identifies a flagged parameter or study. Count is the number of
// non-placeholder ranges for a parameter and the number of parameters with ranges for a study.
type AuditEntry struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Study string    `json:"study,omitempty"`
	Count int       `json:"count"`
}

// AuditReport lists sex-exclusive parameters and studies for manual review.
type AuditReport struct {
	FemaleOnlyParameters []AuditEntry `json:"female_only_parameters"`
	MaleOnlyParameters   []AuditEntry `json:"male_only_parameters"`
	FemaleOnlyStudies    []AuditEntry `json:"female_only_studies"`
	MaleOnlyStudies      []AuditEntry `json:"male_only_studies"`
}

// AuditExclusivity classifies every parameter and study. A study is exclusive
// for a sex when all of its parameters that have ranges are exclusive for that
// same sex; parameters without ranges are ignored.
func AuditExclusivity(studies []StudyRanges) AuditReport {
	report := AuditReport{
		FemaleOnlyParameters: []AuditEntry{},
		MaleOnlyParameters:   []AuditEntry{},
		FemaleOnlyStudies:    []AuditEntry{},
		MaleOnlyStudies:      []AuditEntry{},
	}
	for _, st := range studies {
		classes := mapset.NewThreadUnsafeSet[Exclusivity]()
		withRanges := 0
		for _, pr := range st.Parameters {
			class := ClassifyParameter(pr.Ranges)
			if class == NoRanges {
				continue
			}
			withRanges++
			classes.Add(class)
			entry := AuditEntry{ID: pr.Parameter.ID, Name: pr.Parameter.Name, Study: st.Study.Name, Count: measuredCount(pr.Ranges)}
			switch class {
			case FemaleOnly:
				report.FemaleOnlyParameters = append(report.FemaleOnlyParameters, entry)
			case MaleOnly:
				report.MaleOnlyParameters = append(report.MaleOnlyParameters, entry)
			}
		}
		if classes.Cardinality() != 1 {
			continue
		}
		entry := AuditEntry{ID: st.Study.ID, Name: st.Study.Name, Count: withRanges}
		switch {
		case classes.Contains(FemaleOnly):
			report.FemaleOnlyStudies = append(report.FemaleOnlyStudies, entry)
		case classes.Contains(MaleOnly):
			report.MaleOnlyStudies = append(report.MaleOnlyStudies, entry)
		}
	}
	return report
}

func measuredCount(ranges []ReferenceRange) int {
	n := 0
	for _, r := range ranges {
		if !r.Placeholder {
			n++
		}
	}
	return n
}
