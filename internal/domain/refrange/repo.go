package refrange

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for studies, parameters and
// their reference ranges. Implementations scope every call to the tenant
// carried by ctx.
type Repository interface {
	ListStudies(ctx context.Context) ([]Study, error)
	GetStudy(ctx context.Context, id uuid.UUID) (*Study, error)
	ListParameters(ctx context.Context) ([]Parameter, error)
	ListParametersByStudy(ctx context.Context, studyID uuid.UUID) ([]Parameter, error)
	GetParameter(ctx context.Context, id uuid.UUID) (*Parameter, error)
	CreateParameter(ctx context.Context, p *Parameter) error

	// ListRanges returns every range ordered by created_at then id, so the
	// earliest row of a duplicate group comes first.
	ListRanges(ctx context.Context) ([]ReferenceRange, error)
	ListRangesByParameter(ctx context.Context, parameterID uuid.UUID) ([]ReferenceRange, error)
	ListRangesByStudy(ctx context.Context, studyID uuid.UUID) ([]ReferenceRange, error)
	CreateRanges(ctx context.Context, ranges []ReferenceRange) (int64, error)
	DeleteRanges(ctx context.Context, ids []uuid.UUID) (int64, error)

	// InTx runs fn in one transaction; repository calls made with the ctx
	// passed to fn join it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
