package refrange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/ehr/labref/internal/platform/db"
)

var (
	ErrStudyNotFound     = errors.New("study not found")
	ErrParameterNotFound = errors.New("parameter not found")
)

type Service struct {
	repo   Repository
	policy *Policy
	cache  *rangeCache
	logger zerolog.Logger
	now    func() time.Time
}

// CacheConfig bounds the resolution cache. Size is the number of parameter
// range sets kept; zero disables the cache. Entries older than TTL are fetched
// again, so edits made outside this process show up within TTL.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// NewService wires the engine to a repository. A nil policy selects the
// embedded default.
func NewService(repo Repository, policy *Policy, cache CacheConfig, logger zerolog.Logger) (*Service, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	rc, err := newRangeCache(cache.Size, cache.TTL)
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:   repo,
		policy: policy,
		cache:  rc,
		logger: logger.With().Str("component", "refrange").Logger(),
		now:    time.Now,
	}, nil
}

func (s *Service) Policy() *Policy {
	return s.policy
}

func (s *Service) Panels() []Panel {
	return s.policy.Panels
}

// -- Resolution --

// Resolution is the answer for one parameter and patient.
type Resolution struct {
	Parameter Parameter     `json:"parameter"`
	Match     ResolvedMatch `json:"match"`
	Display   string        `json:"display,omitempty"`
}

// ResolveForPatient picks the reference range of a parameter that applies to p.
func (s *Service) ResolveForPatient(ctx context.Context, parameterID uuid.UUID, p Patient) (*Resolution, error) {
	prm, err := s.repo.GetParameter(ctx, parameterID)
	if err != nil {
		return nil, err
	}
	ranges, err := s.rangesFor(ctx, parameterID)
	if err != nil {
		return nil, err
	}
	match, err := Resolve(ranges, p)
	if err != nil {
		return nil, fmt.Errorf("resolve parameter %q: %w", prm.Name, err)
	}

	res := &Resolution{Parameter: *prm, Match: match}
	if match.Range != nil {
		res.Display, _ = FormatRange(*match.Range)
	}
	if match.Status == MatchAmbiguous {
		s.logger.Warn().
			Str("parameter_id", parameterID.String()).
			Int("candidates", len(match.Candidates)).
			Msg("ambiguous reference range")
	}
	return res, nil
}

func (s *Service) rangesFor(ctx context.Context, parameterID uuid.UUID) ([]ReferenceRange, error) {
	key := cacheKey{tenant: db.TenantFromContext(ctx), parameter: parameterID}
	if ranges, ok := s.cache.get(key); ok {
		return ranges, nil
	}
	ranges, err := s.repo.ListRangesByParameter(ctx, parameterID)
	if err != nil {
		return nil, err
	}
	s.cache.add(key, ranges)
	return ranges, nil
}

// -- Deduplication --

// DedupReport summarizes a deduplication run.
type DedupReport struct {
	DryRun     bool             `json:"dry_run"`
	Scanned    int              `json:"scanned"`
	Kept       int              `json:"kept"`
	Deleted    int64            `json:"deleted"`
	Duplicates []ReferenceRange `json:"duplicates"`
}

// Deduplicate removes exact duplicate ranges across the tenant, keeping the
// earliest row of each group. With dryRun nothing is deleted.
func (s *Service) Deduplicate(ctx context.Context, dryRun bool) (*DedupReport, error) {
	report := &DedupReport{DryRun: dryRun}
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		ranges, err := s.repo.ListRanges(ctx)
		if err != nil {
			return err
		}
		res := Canonicalize(ranges)
		report.Scanned = len(ranges)
		report.Kept = len(res.Kept)
		report.Duplicates = res.Duplicates
		if report.Duplicates == nil {
			report.Duplicates = []ReferenceRange{}
		}
		if dryRun || len(res.Duplicates) == 0 {
			return nil
		}
		report.Deleted, err = s.repo.DeleteRanges(ctx, res.DuplicateIDs())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deduplicate reference ranges: %w", err)
	}
	if report.Deleted > 0 {
		s.cache.purge()
	}

	s.logger.Info().
		Bool("dry_run", dryRun).
		Int("scanned", report.Scanned).
		Int("duplicates", len(report.Duplicates)).
		Int64("deleted", report.Deleted).
		Msg("deduplication finished")
	return report, nil
}

// -- Coverage --

// CoverageReport summarizes a coverage synthesis run for one study.
type CoverageReport struct {
	DryRun            bool                `json:"dry_run"`
	PolicyVersion     string              `json:"policy_version"`
	Study             Study               `json:"study"`
	Panel             string              `json:"panel"`
	Parameters        []ParameterCoverage `json:"parameters"`
	CreatedParameters int                 `json:"created_parameters"`
	CreatedRanges     int64               `json:"created_ranges"`
}

// SynthesizeCoverage backfills placeholder ranges so every parameter of the
// panel in the study covers every age bracket and sex slot of the policy.
// Missing parameters are created. Running it twice adds nothing the second time.
func (s *Service) SynthesizeCoverage(ctx context.Context, panelCode string, studyID uuid.UUID, dryRun bool) (*CoverageReport, error) {
	panel, err := s.policy.Panel(panelCode)
	if err != nil {
		return nil, err
	}
	study, err := s.repo.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}

	report := &CoverageReport{
		DryRun:        dryRun,
		PolicyVersion: s.policy.Version,
		Study:         *study,
		Panel:         panel.Code,
	}
	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		params, err := s.repo.ListParametersByStudy(ctx, studyID)
		if err != nil {
			return err
		}
		existing, err := s.repo.ListRangesByStudy(ctx, studyID)
		if err != nil {
			return err
		}
		report.Parameters, err = s.policy.Synthesize(panel, studyID, params, existing, s.now().UTC())
		if err != nil {
			return err
		}
		if dryRun {
			return nil
		}

		var synthesized []ReferenceRange
		for i := range report.Parameters {
			cov := &report.Parameters[i]
			if cov.Parameter.New {
				if err := s.repo.CreateParameter(ctx, &cov.Parameter); err != nil {
					return err
				}
				report.CreatedParameters++
			}
			synthesized = append(synthesized, cov.Synthesized...)
		}
		report.CreatedRanges, err = s.repo.CreateRanges(ctx, synthesized)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize coverage for study %s: %w", studyID, err)
	}
	if report.CreatedRanges > 0 {
		s.cache.purge()
	}

	s.logger.Info().
		Bool("dry_run", dryRun).
		Str("study_id", studyID.String()).
		Str("panel", panel.Code).
		Str("policy_version", s.policy.Version).
		Int("created_parameters", report.CreatedParameters).
		Int64("created_ranges", report.CreatedRanges).
		Msg("coverage synthesis finished")
	return report, nil
}

// -- Audit and validation --

// AuditExclusivity reports parameters and studies whose ranges cover only one sex.
func (s *Service) AuditExclusivity(ctx context.Context) (AuditReport, error) {
	studies, err := s.loadTree(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("audit sex exclusivity: %w", err)
	}
	return AuditExclusivity(studies), nil
}

func (s *Service) loadTree(ctx context.Context) ([]StudyRanges, error) {
	studies, err := s.repo.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	params, err := s.repo.ListParameters(ctx)
	if err != nil {
		return nil, err
	}
	ranges, err := s.repo.ListRanges(ctx)
	if err != nil {
		return nil, err
	}

	byParam := make(map[uuid.UUID][]ReferenceRange, len(params))
	for _, r := range ranges {
		byParam[r.ParameterID] = append(byParam[r.ParameterID], r)
	}
	byStudy := make(map[uuid.UUID][]ParameterRanges, len(studies))
	for _, p := range params {
		byStudy[p.StudyID] = append(byStudy[p.StudyID], ParameterRanges{Parameter: p, Ranges: byParam[p.ID]})
	}

	out := make([]StudyRanges, 0, len(studies))
	for _, st := range studies {
		out = append(out, StudyRanges{Study: st, Parameters: byStudy[st.ID]})
	}
	return out, nil
}

// ValidateRanges runs the data-quality pass over every range of the tenant.
func (s *Service) ValidateRanges(ctx context.Context) ([]Defect, error) {
	params, err := s.repo.ListParameters(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate reference ranges: %w", err)
	}
	ranges, err := s.repo.ListRanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate reference ranges: %w", err)
	}
	defects := Validate(params, ranges)
	if defects == nil {
		defects = []Defect{}
	}
	return defects, nil
}

// -- Range cache --

type cacheKey struct {
	tenant    string
	parameter uuid.UUID
}

// rangeCache holds recently resolved range sets. A nil cache is disabled.
type rangeCache struct {
	lru *expirable.LRU[cacheKey, []ReferenceRange]
}

func newRangeCache(size int, ttl time.Duration) (*rangeCache, error) {
	if size <= 0 {
		return nil, nil
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("create range cache: ttl must be positive, got %s", ttl)
	}
	return &rangeCache{lru: expirable.NewLRU[cacheKey, []ReferenceRange](size, nil, ttl)}, nil
}

func (c *rangeCache) get(k cacheKey) ([]ReferenceRange, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(k)
}

func (c *rangeCache) add(k cacheKey, ranges []ReferenceRange) {
	if c == nil {
		return
	}
	c.lru.Add(k, ranges)
}

func (c *rangeCache) purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
