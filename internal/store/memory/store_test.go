package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePatientAssignsSequentialTokens(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	for i := 1; i <= 5; i++ {
		p, err := st.CreatePatient(ctx, store.CreatePatientInput{Name: "p", Phone: "+910000000000"})
		require.NoError(t, err)
		assert.Equal(t, i, p.TokenNumber)
		assert.Equal(t, int64(i), p.ID)
		assert.Equal(t, models.StatusWaiting, p.Status)
		assert.False(t, p.CreatedAt.IsZero())
	}
}

func TestCreatePatientConcurrentTokensUnique(t *testing.T) {
	ctx := context.Background()
	st := NewStore()

	const n = 50
	var wg sync.WaitGroup
	tokens := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := st.CreatePatient(ctx, store.CreatePatientInput{Name: "p", Phone: "+910000000000"})
			if err != nil {
				t.Errorf("create patient: %v", err)
				return
			}
			tokens <- p.TokenNumber
		}()
	}
	wg.Wait()
	close(tokens)

	seen := make(map[int]bool)
	for token := range tokens {
		require.False(t, seen[token], "duplicate token %d", token)
		seen[token] = true
	}
	assert.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "missing token %d", i)
	}
}

func TestCallNextCompletesCurrentEvenWhenEmpty(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	_, err := st.CreatePatient(ctx, store.CreatePatientInput{Name: "Alice", Phone: "+919876543210"})
	require.NoError(t, err)

	first, err := st.CallNext(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, first.Found)
	assert.Nil(t, first.Completed)
	assert.Equal(t, models.StatusCalling, first.Called.Status)
	assert.NotNil(t, first.Called.CalledAt)

	second, err := st.CallNext(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, second.Found)
	require.NotNil(t, second.Completed)
	assert.Equal(t, "Alice", second.Completed.Name)
	assert.Equal(t, models.StatusCompleted, second.Completed.Status)

	calling, found, err := st.GetCalling(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, calling.ID)

	completed, err := st.CountByStatus(ctx, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
}

func TestCallNextConcurrentSingleCalling(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	for i := 0; i < 10; i++ {
		_, err := st.CreatePatient(ctx, store.CreatePatientInput{Name: "p", Phone: "+910000000000"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.CallNext(ctx, time.Time{})
		}()
	}
	wg.Wait()

	calling, err := st.CountByStatus(ctx, models.StatusCalling)
	require.NoError(t, err)
	assert.Equal(t, 1, calling)
	completed, err := st.CountByStatus(ctx, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 5, completed)

	current, found, err := st.GetCalling(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 6, current.TokenNumber)
}

func TestCountWaitingBefore(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	for i := 0; i < 4; i++ {
		_, err := st.CreatePatient(ctx, store.CreatePatientInput{Name: "p", Phone: "+910000000000"})
		require.NoError(t, err)
	}
	_, err := st.CallNext(ctx, time.Time{})
	require.NoError(t, err)

	ahead, err := st.CountWaitingBefore(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, ahead)

	ahead, err = st.CountWaitingBefore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, ahead)
}

func TestListPatientsFilter(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	old := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	_, err := st.CreatePatient(ctx, store.CreatePatientInput{Name: "old", Phone: "+910000000000", CreatedAt: old})
	require.NoError(t, err)
	_, err = st.CreatePatient(ctx, store.CreatePatientInput{Name: "recent", Phone: "+910000000000", CreatedAt: recent})
	require.NoError(t, err)

	all, err := st.ListPatients(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := st.ListPatients(ctx, store.ListFilter{CreatedFrom: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "recent", filtered[0].Name)
}

func TestGetPatientNotFound(t *testing.T) {
	_, err := NewStore().GetPatient(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrPatientNotFound)
}
