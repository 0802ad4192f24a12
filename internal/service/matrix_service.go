package service

import (
	"context"
	"sort"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// MatrixService resolves which ordered approval levels a request requires,
// and manages the authority matrix configuration.
type MatrixService struct {
	matrices MatrixStore
	log      *logger.Logger
}

// NewMatrixService creates a new MatrixService.
func NewMatrixService(matrices MatrixStore, log *logger.Logger) *MatrixService {
	return &MatrixService{matrices: matrices, log: log}
}

// Resolve selects the single active matrix whose category matches (category
// "*" matches any) and whose [min_amount, max_amount) band contains amount,
// returning its ordered level specs. Ties break by narrowest band, then most
// recently created; ambiguity after tie-breaking is a configuration error
// surfaced to operators, never silently resolved.
func (s *MatrixService) Resolve(ctx context.Context, authorityType, category string, amount int64) ([]repository.AuthorityLevelSpec, error) {
	matrices, err := s.matrices.ListActive(ctx, authorityType)
	if err != nil {
		return nil, err
	}

	var candidates []*repository.AuthorityMatrix
	for _, m := range matrices {
		if m.Category != "*" && m.Category != category {
			continue
		}
		if amount < m.MinAmount || amount >= m.MaxAmount {
			continue
		}
		candidates = append(candidates, m)
	}

	if len(candidates) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"no authority matrix matches type=%s category=%s amount=%d", authorityType, category, amount)
	}

	if len(candidates) > 1 {
		sort.SliceStable(candidates, func(i, j int) bool {
			bi := candidates[i].MaxAmount - candidates[i].MinAmount
			bj := candidates[j].MaxAmount - candidates[j].MinAmount
			if bi != bj {
				return bi < bj
			}
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		})

		first, second := candidates[0], candidates[1]
		if first.MaxAmount-first.MinAmount == second.MaxAmount-second.MinAmount &&
			first.CreatedAt.Equal(second.CreatedAt) {
			return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
				"ambiguous authority matrices %s and %s for type=%s amount=%d", first.ID, second.ID, authorityType, amount)
		}
	}

	return candidates[0].RequiredLevels, nil
}

// CreateMatrix validates and persists a new matrix.
func (s *MatrixService) CreateMatrix(ctx context.Context, m *repository.AuthorityMatrix) error {
	if m.AuthorityType == "" {
		return apperrors.InvalidInput("authority_type", "is required")
	}
	if m.Category == "" {
		return apperrors.InvalidInput("category", "is required")
	}
	if m.MinAmount < 0 || m.MaxAmount <= m.MinAmount {
		return apperrors.InvalidInput("amount_band", "max_amount must be greater than min_amount")
	}
	if err := validateLevelNumbers(len(m.RequiredLevels), func(i int) int { return m.RequiredLevels[i].LevelNo }); err != nil {
		return err
	}

	m.IsActive = true
	if err := s.matrices.Create(ctx, m); err != nil {
		return err
	}

	s.log.Info().
		Str("matrix_id", m.ID).
		Str("authority_type", m.AuthorityType).
		Int("levels", len(m.RequiredLevels)).
		Msg("Authority matrix created")
	return nil
}

// DeactivateMatrix retires a matrix version.
func (s *MatrixService) DeactivateMatrix(ctx context.Context, id string) error {
	return s.matrices.Deactivate(ctx, id)
}

// ListMatrices returns active matrices for an authority type.
func (s *MatrixService) ListMatrices(ctx context.Context, authorityType string) ([]*repository.AuthorityMatrix, error) {
	return s.matrices.ListActive(ctx, authorityType)
}

// validateLevelNumbers enforces levels numbered 1..N, strictly increasing,
// no gaps.
func validateLevelNumbers(n int, levelNo func(i int) int) error {
	if n == 0 {
		return apperrors.InvalidInput("levels", "at least one level is required")
	}
	for i := 0; i < n; i++ {
		if levelNo(i) != i+1 {
			return apperrors.InvalidInput("levels", "level numbers must be 1..N with no gaps")
		}
	}
	return nil
}
