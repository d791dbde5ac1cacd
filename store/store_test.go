package store

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.dedis.ch/escrow/condition"
)

func sample(id string, status Status, start time.Time, block uint64) Agreement {
	return Agreement{
		ID:                  common.HexToHash(id),
		DID:                 "did:op:asset",
		ServiceDefinitionID: 1,
		Price:               big.NewInt(100),
		Files:               "0xencrypted",
		StartTime:           start,
		Status:              status,
		Consumer:            common.HexToAddress("0xc0"),
		Publisher:           common.HexToAddress("0xb0"),
		ConditionIDs:        condition.IDs{common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")},
		BlockNumber:         block,
	}
}

func ids(as []Agreement) []common.Hash {
	out := make([]common.Hash, len(as))
	for i, a := range as {
		out[i] = a.ID
	}
	return out
}

// testStore runs the behaviour every backend shares.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 900_000_000)

	t.Run("record and get", func(t *testing.T) {
		a := sample("0xa1", StatusPending, t0, 7)
		require.NoError(t, s.Record(ctx, a))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, a.DID, got.DID)
		require.Equal(t, 0, a.Price.Cmp(got.Price))
		require.Equal(t, a.ConditionIDs, got.ConditionIDs)
		require.Equal(t, a.Consumer, got.Consumer)
		require.Equal(t, a.Publisher, got.Publisher)
		require.Equal(t, uint64(7), got.BlockNumber)
		require.True(t, a.StartTime.Equal(got.StartTime))
	})

	t.Run("record replaces", func(t *testing.T) {
		a := sample("0xa2", StatusPending, t0, 1)
		require.NoError(t, s.Record(ctx, a))
		a.Price = big.NewInt(250)
		require.NoError(t, s.Record(ctx, a))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, "250", got.Price.String())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.Get(ctx, common.HexToHash("0xdead"))
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.UpdateStatus(ctx, common.HexToHash("0xdead"), StatusCompleted), ErrNotFound)
	})

	t.Run("partitions", func(t *testing.T) {
		require.NoError(t, s.Record(ctx, sample("0xb1", StatusPending, t0.Add(time.Second), 10)))
		require.NoError(t, s.Record(ctx, sample("0xb2", StatusPending, t0.Add(2*time.Second), 20)))
		require.NoError(t, s.Record(ctx, sample("0xb3", StatusPending, t0.Add(3*time.Second), 30)))
		require.NoError(t, s.UpdateStatus(ctx, common.HexToHash("0xb2"), StatusCompleted))
		require.NoError(t, s.UpdateStatus(ctx, common.HexToHash("0xb3"), StatusCompleted))

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Contains(t, ids(pending), common.HexToHash("0xb1"))
		require.NotContains(t, ids(pending), common.HexToHash("0xb2"))

		done, err := s.CompletedSince(ctx, 25)
		require.NoError(t, err)
		require.Equal(t, []common.Hash{common.HexToHash("0xb3")}, ids(done))

		done, err = s.CompletedSince(ctx, 0)
		require.NoError(t, err)
		require.Len(t, done, 2)
	})

	t.Run("invalid status", func(t *testing.T) {
		require.Error(t, s.Record(ctx, sample("0xc1", Status("lost"), t0, 0)))
		require.Error(t, s.UpdateStatus(ctx, common.HexToHash("0xa1"), Status("lost")))
	})

	t.Run("prune", func(t *testing.T) {
		old := sample("0xd1", StatusCompleted, t0.Add(-time.Hour), 0)
		oldPending := sample("0xd2", StatusPending, t0.Add(-time.Hour), 0)
		justBefore := sample("0xd3", StatusCompleted, t0.Add(-100*time.Millisecond), 0)
		require.NoError(t, s.Record(ctx, old))
		require.NoError(t, s.Record(ctx, oldPending))
		require.NoError(t, s.Record(ctx, justBefore))

		n, err := s.Prune(ctx, t0)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		_, err = s.Get(ctx, old.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, justBefore.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, oldPending.ID)
		require.NoError(t, err)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a := sample(common.BigToHash(big.NewInt(int64(0xe000+i))).Hex(), StatusPending, t0, uint64(i))
				errs <- s.Record(ctx, a)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(all), 16)
	})
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "agreements.db"))
	require.NoError(t, err)
	testStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agreements.db")
	ctx := context.Background()

	s, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	a := sample("0xf1", StatusPending, time.Unix(1_700_000_000, 0), 3)
	require.NoError(t, s.Record(ctx, a))

	s, err = Open(ctx, path)
	require.NoError(t, err)
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{a.ID}, ids(pending))
}

func TestOpen_RejectsMemory(t *testing.T) {
	_, err := Open(context.Background(), ":memory:")
	require.Error(t, err)
	_, err = Open(context.Background(), "")
	require.Error(t, err)
}

// TestPostgresStore uses ESCROW_TEST_POSTGRES_DSN when set, otherwise a
// throwaway container. It is skipped when neither is available.
func TestPostgresStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("ESCROW_TEST_POSTGRES_DSN")
	if dsn == "" {
		if testing.Short() {
			t.Skip("no ESCROW_TEST_POSTGRES_DSN and -short set")
		}
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("escrow"),
			postgres.WithUsername("escrow"),
			postgres.WithPassword("escrow"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	testStore(t, s)
}
