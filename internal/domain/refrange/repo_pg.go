package refrange

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labref/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}

const studyCols = `id, code, name, created_at`

const paramCols = `id, study_id, name, unit, decimals, position, created_at`

const rangeCols = `id, parameter_id, sex, age_min, age_max, age_unit,
	lower_bound, upper_bound, text_value, unit, method, note, is_placeholder, created_at`

var rangeColumnNames = []string{
	"id", "parameter_id", "sex", "age_min", "age_max", "age_unit",
	"lower_bound", "upper_bound", "text_value", "unit", "method", "note", "is_placeholder", "created_at",
}

func (r *repoPG) ListStudies(ctx context.Context) ([]Study, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+studyCols+` FROM study ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Study])
}

func (r *repoPG) GetStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+studyCols+` FROM study WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get study: %w", err)
	}
	s, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Study])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStudyNotFound
	}
	return s, err
}

func (r *repoPG) ListParameters(ctx context.Context) ([]Parameter, error) {
	return r.queryParameters(ctx, `SELECT `+paramCols+` FROM parameter ORDER BY study_id, position, name`)
}

func (r *repoPG) ListParametersByStudy(ctx context.Context, studyID uuid.UUID) ([]Parameter, error) {
	return r.queryParameters(ctx, `SELECT `+paramCols+` FROM parameter WHERE study_id = $1 ORDER BY position, name`, studyID)
}

func (r *repoPG) queryParameters(ctx context.Context, sql string, args ...interface{}) ([]Parameter, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Parameter])
}

func (r *repoPG) GetParameter(ctx context.Context, id uuid.UUID) (*Parameter, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paramCols+` FROM parameter WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get parameter: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Parameter])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrParameterNotFound
	}
	return p, err
}

func (r *repoPG) CreateParameter(ctx context.Context, p *Parameter) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO parameter (id, study_id, name, unit, decimals, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.StudyID, p.Name, p.Unit, p.Decimals, p.Position, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create parameter %q: %w", p.Name, err)
	}
	p.New = false
	return nil
}

func (r *repoPG) ListRanges(ctx context.Context) ([]ReferenceRange, error) {
	return r.queryRanges(ctx, `SELECT `+rangeCols+` FROM reference_range ORDER BY created_at, id`)
}

func (r *repoPG) ListRangesByParameter(ctx context.Context, parameterID uuid.UUID) ([]ReferenceRange, error) {
	return r.queryRanges(ctx, `SELECT `+rangeCols+` FROM reference_range
		WHERE parameter_id = $1 ORDER BY created_at, id`, parameterID)
}

func (r *repoPG) ListRangesByStudy(ctx context.Context, studyID uuid.UUID) ([]ReferenceRange, error) {
	return r.queryRanges(ctx, `SELECT `+rangeCols+` FROM reference_range
		WHERE parameter_id IN (SELECT id FROM parameter WHERE study_id = $1)
		ORDER BY created_at, id`, studyID)
}

func (r *repoPG) queryRanges(ctx context.Context, sql string, args ...interface{}) ([]ReferenceRange, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list reference ranges: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[ReferenceRange])
}

// CreateRanges bulk-loads ranges with COPY. Rows without an id get one.
func (r *repoPG) CreateRanges(ctx context.Context, ranges []ReferenceRange) (int64, error) {
	if len(ranges) == 0 {
		return 0, nil
	}
	for i := range ranges {
		if ranges[i].ID == uuid.Nil {
			ranges[i].ID = uuid.New()
		}
	}
	n, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"reference_range"}, rangeColumnNames,
		pgx.CopyFromSlice(len(ranges), func(i int) ([]any, error) {
			rr := ranges[i]
			return []any{
				rr.ID, rr.ParameterID, string(rr.Sex), rr.AgeMin, rr.AgeMax, string(rr.AgeUnit),
				rr.Lower, rr.Upper, rr.TextValue, rr.Unit, rr.Method, rr.Note, rr.Placeholder, rr.CreatedAt,
			}, nil
		}))
	if err != nil {
		return n, fmt.Errorf("copy reference ranges: %w", err)
	}
	return n, nil
}

func (r *repoPG) DeleteRanges(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM reference_range WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete reference ranges: %w", err)
	}
	return tag.RowsAffected(), nil
}
