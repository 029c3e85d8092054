//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/storetest"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("circulation"),
		tcpostgres.WithUsername("circulation"),
		tcpostgres.WithPassword("circulation"),
		tcpostgres.BasicWaitStrategies(),
	)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestContract(t *testing.T) {
	pool := startPostgres(t)

	storetest.Run(t, func(t *testing.T) circulation.TxStore {
		ctx := context.Background()
		s, err := New(ctx, pool)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, "TRUNCATE fines, loans, members, books RESTART IDENTITY CASCADE")
		require.NoError(t, err)
		return s
	})
}

func TestFineAmountKeepsScale(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, startPostgres(t))
	require.NoError(t, err)

	// GIVEN a member with a manual fine of 12.5
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := s.InsertMember(ctx, circulation.Member{
		DocumentID: "12345678", MemberNumber: "SOC-20240301-00001", Name: "Ana",
		Active: true, JoinedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	f, err := s.InsertFine(ctx, circulation.Fine{
		MemberID: m.ID, Amount: decimal.RequireFromString("12.5"), Type: circulation.FineOther,
		Status: circulation.FinePending, Description: "lost card", IssuedDate: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	// WHEN it is read back
	got, err := s.GetFine(ctx, f.ID)
	require.NoError(t, err)

	// THEN the amount is exact and the fine has no loan
	require.NotNil(t, got)
	assert.Equal(t, "12.50", got.Amount.StringFixed(2))
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("12.5")))
	assert.False(t, got.HasLoan())
}

func TestReturnDateCheckConstraint(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, startPostgres(t))
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := s.InsertMember(ctx, circulation.Member{
		DocumentID: "87654321", MemberNumber: "SOC-20240301-00002", Name: "Luis",
		Active: true, JoinedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	// WHEN a returned loan is written without a return date
	_, err = s.InsertLoan(ctx, circulation.Loan{
		BookID: "b-1", MemberID: m.ID, LoanDate: now, DueDate: now.AddDate(0, 0, 14),
		Status: circulation.LoanReturned, CreatedAt: now, UpdatedAt: now,
	})

	// THEN the database rejects it
	assert.Error(t, err)
}
