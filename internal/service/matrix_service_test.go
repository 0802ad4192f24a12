package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

func twoLevelMatrix(authorityType, category string, min, max int64) *repository.AuthorityMatrix {
	return &repository.AuthorityMatrix{
		AuthorityType: authorityType,
		Category:      category,
		MinAmount:     min,
		MaxAmount:     max,
		RequiredLevels: []repository.AuthorityLevelSpec{
			{LevelNo: 1, RoleOrTitle: "Manager"},
			{LevelNo: 2, RoleOrTitle: "Finance Head"},
		},
	}
}

func TestMatrixResolve_AmountBand(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, twoLevelMatrix("expense", "*", 0, 50000)))
	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, &repository.AuthorityMatrix{
		AuthorityType: "expense",
		Category:      "*",
		MinAmount:     50000,
		MaxAmount:     500000,
		RequiredLevels: []repository.AuthorityLevelSpec{
			{LevelNo: 1, RoleOrTitle: "Manager"},
			{LevelNo: 2, RoleOrTitle: "Finance Head"},
			{LevelNo: 3, RoleOrTitle: "CFO"},
		},
	}))

	levels, err := e.matrixSvc.Resolve(ctx, "expense", "travel", 20000)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "Manager", levels[0].RoleOrTitle)
	assert.Equal(t, "Finance Head", levels[1].RoleOrTitle)

	// Bands are inclusive-min, exclusive-max: 50000 belongs to the upper band.
	levels, err = e.matrixSvc.Resolve(ctx, "expense", "travel", 50000)
	require.NoError(t, err)
	assert.Len(t, levels, 3)
}

func TestMatrixResolve_CategorySpecificBeatsWildcard(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	wide := twoLevelMatrix("expense", "*", 0, 100000)
	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, wide))

	narrow := &repository.AuthorityMatrix{
		AuthorityType: "expense",
		Category:      "travel",
		MinAmount:     0,
		MaxAmount:     30000,
		RequiredLevels: []repository.AuthorityLevelSpec{
			{LevelNo: 1, RoleOrTitle: "Travel Desk"},
		},
	}
	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, narrow))

	// Both match; the narrower band wins.
	levels, err := e.matrixSvc.Resolve(ctx, "expense", "travel", 10000)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, "Travel Desk", levels[0].RoleOrTitle)

	// Outside the narrow band only the wildcard matches.
	levels, err = e.matrixSvc.Resolve(ctx, "expense", "travel", 60000)
	require.NoError(t, err)
	assert.Len(t, levels, 2)
}

func TestMatrixResolve_EqualBandsPreferNewest(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	older := twoLevelMatrix("expense", "*", 0, 50000)
	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, older))

	newer := &repository.AuthorityMatrix{
		AuthorityType: "expense",
		Category:      "*",
		MinAmount:     0,
		MaxAmount:     50000,
		RequiredLevels: []repository.AuthorityLevelSpec{
			{LevelNo: 1, RoleOrTitle: "Team Lead"},
		},
	}
	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, newer))

	levels, err := e.matrixSvc.Resolve(ctx, "expense", "travel", 100)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, "Team Lead", levels[0].RoleOrTitle)
}

func TestMatrixResolve_NoMatchIsConfigurationError(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, twoLevelMatrix("expense", "*", 0, 50000)))

	_, err := e.matrixSvc.Resolve(ctx, "expense", "travel", 999999)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.CodeOf(err))

	_, err = e.matrixSvc.Resolve(ctx, "purchase", "any", 100)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.CodeOf(err))
}

func TestCreateMatrix_Validation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	tests := []struct {
		name   string
		matrix *repository.AuthorityMatrix
	}{
		{"missing authority type", &repository.AuthorityMatrix{
			Category: "*", MaxAmount: 100,
			RequiredLevels: []repository.AuthorityLevelSpec{{LevelNo: 1, RoleOrTitle: "Manager"}},
		}},
		{"inverted band", &repository.AuthorityMatrix{
			AuthorityType: "expense", Category: "*", MinAmount: 100, MaxAmount: 100,
			RequiredLevels: []repository.AuthorityLevelSpec{{LevelNo: 1, RoleOrTitle: "Manager"}},
		}},
		{"no levels", &repository.AuthorityMatrix{
			AuthorityType: "expense", Category: "*", MaxAmount: 100,
		}},
		{"gapped levels", &repository.AuthorityMatrix{
			AuthorityType: "expense", Category: "*", MaxAmount: 100,
			RequiredLevels: []repository.AuthorityLevelSpec{
				{LevelNo: 1, RoleOrTitle: "Manager"},
				{LevelNo: 3, RoleOrTitle: "CFO"},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.matrixSvc.CreateMatrix(ctx, tt.matrix)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
		})
	}
}

func TestDeactivateMatrix_RemovesFromResolution(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	m := twoLevelMatrix("expense", "*", 0, 50000)
	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, m))
	require.NoError(t, e.matrixSvc.DeactivateMatrix(ctx, m.ID))

	_, err := e.matrixSvc.Resolve(ctx, "expense", "travel", 100)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.CodeOf(err))
}
