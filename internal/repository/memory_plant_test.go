package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"plantops-data/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertPending(t *testing.T, repo *MemoryPlantRepo, tenantID, taskType, submitter string, ids ...string) string {
	var id string
	err := repo.WithTask(context.Background(), tenantID, taskType, func(tx TaskTx) error {
		var err error
		id, err = tx.InsertStatusRequest(context.Background(), &domain.StatusRequest{
			TrackerIDs:     ids,
			RequestedState: domain.TrackerDone,
			SubmittedBy:    submitter,
			SubmittedAt:    time.Now(),
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestMemoryPlantRepo_RollbackOnError(t *testing.T) {
	repo := NewMemoryPlantRepo()
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTask(ctx, "t1", "grass_cutting", func(tx TaskTx) error {
		cs := &domain.CycleState{TrackerStates: map[string]domain.TrackerState{"M01": domain.TrackerDone}}
		require.NoError(t, tx.SaveCycleState(ctx, cs))
		_, err := tx.InsertStatusRequest(ctx, &domain.StatusRequest{TrackerIDs: []string{"M01"}})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	cs, err := repo.GetCycleState(ctx, "t1", "grass_cutting")
	require.NoError(t, err)
	assert.Nil(t, cs)

	items, total, err := repo.ListStatusRequests(ctx, "t1", nil, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestMemoryPlantRepo_CommitReviewAndState(t *testing.T) {
	repo := NewMemoryPlantRepo()
	ctx := context.Background()
	id := insertPending(t, repo, "t1", "grass_cutting", "u1", "M01")

	err := repo.WithTask(ctx, "t1", "grass_cutting", func(tx TaskTx) error {
		req, err := tx.LockStatusRequest(ctx, id)
		if err != nil {
			return err
		}
		require.NoError(t, req.Approve("admin", time.Now()))
		if err := tx.SaveStatusRequestReview(ctx, req); err != nil {
			return err
		}
		cs := domain.NewCycleState("t1", "grass_cutting", []domain.TrackerUnit{{TrackerID: "M01"}})
		cs.ApplyApproved(req.TrackerIDs, req.RequestedState, time.Now())
		return tx.SaveCycleState(ctx, cs)
	})
	require.NoError(t, err)

	got, err := repo.GetStatusRequest(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, got.Status)

	cs, err := repo.GetCycleState(ctx, "t1", "grass_cutting")
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.True(t, cs.IsComplete)

	// 第二次审核同一请求
	err = repo.WithTask(ctx, "t1", "grass_cutting", func(tx TaskTx) error {
		req, err := tx.LockStatusRequest(ctx, id)
		if err != nil {
			return err
		}
		return tx.SaveStatusRequestReview(ctx, req)
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryPlantRepo_LockStatusRequest_WrongScope(t *testing.T) {
	repo := NewMemoryPlantRepo()
	ctx := context.Background()
	id := insertPending(t, repo, "t1", "grass_cutting", "u1", "M01")

	err := repo.WithTask(ctx, "t1", "panel_wash", func(tx TaskTx) error {
		_, err := tx.LockStatusRequest(ctx, id)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.GetStatusRequest(ctx, "t2", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryPlantRepo_FindPendingOverlapping(t *testing.T) {
	repo := NewMemoryPlantRepo()
	ctx := context.Background()
	insertPending(t, repo, "t1", "grass_cutting", "u1", "M01", "M02")

	err := repo.WithTask(ctx, "t1", "grass_cutting", func(tx TaskTx) error {
		since := time.Now().Add(-time.Minute)
		hits, err := tx.FindPendingOverlapping(ctx, "u1", domain.TrackerDone, []string{"M02", "M03"}, since)
		require.NoError(t, err)
		assert.Len(t, hits, 1)

		hits, err = tx.FindPendingOverlapping(ctx, "u2", domain.TrackerDone, []string{"M02"}, since)
		require.NoError(t, err)
		assert.Empty(t, hits)

		hits, err = tx.FindPendingOverlapping(ctx, "u1", domain.TrackerHalfway, []string{"M02"}, since)
		require.NoError(t, err)
		assert.Empty(t, hits)

		hits, err = tx.FindPendingOverlapping(ctx, "u1", domain.TrackerDone, []string{"M02"}, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, hits)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryPlantRepo_WithTaskSerializes(t *testing.T) {
	repo := NewMemoryPlantRepo()
	ctx := context.Background()
	layout := make([]domain.TrackerUnit, 0, 50)
	for i := 1; i <= 50; i++ {
		layout = append(layout, domain.TrackerUnit{TrackerID: fmt.Sprintf("M%02d", i)})
	}

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := repo.WithTask(ctx, "t1", "grass_cutting", func(tx TaskTx) error {
				cs, err := tx.LoadCycleState(ctx)
				if err != nil {
					return err
				}
				if cs == nil {
					cs = domain.NewCycleState("t1", "grass_cutting", layout)
				}
				cs.ApplyApproved([]string{fmt.Sprintf("M%02d", n)}, domain.TrackerDone, time.Now())
				return tx.SaveCycleState(ctx, cs)
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cs, err := repo.GetCycleState(ctx, "t1", "grass_cutting")
	require.NoError(t, err)
	assert.True(t, cs.IsComplete, "no approval may be lost")
	assert.Len(t, cs.TrackerIDsIn(domain.TrackerDone), 50)
}

func TestMemoryPlantRepo_HistoryAndFilters(t *testing.T) {
	repo := NewMemoryPlantRepo()
	ctx := context.Background()
	for n := 1; n <= 3; n++ {
		cycle := n
		require.NoError(t, repo.WithTask(ctx, "t1", "panel_wash", func(tx TaskTx) error {
			return tx.ArchiveCycle(ctx, &domain.CycleHistory{CycleNumber: cycle, ResetAt: time.Now()})
		}))
	}
	items, total, err := repo.ListCycleHistory(ctx, "t1", "panel_wash", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, 3, items[0].CycleNumber)
	assert.NotEmpty(t, items[0].HistoryID)

	insertPending(t, repo, "t1", "grass_cutting", "u1", "M01")
	insertPending(t, repo, "t1", "panel_wash", "u1", "M01")
	list, total, err := repo.ListStatusRequests(ctx, "t1", &StatusRequestFilters{TaskType: "panel_wash", Status: domain.RequestPending}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "panel_wash", list[0].TaskType)
}

func TestMemoryPlantRepo_ListPendingStatusRequestsUnpaged(t *testing.T) {
	repo := NewMemoryPlantRepo()
	ctx := context.Background()

	for i := 0; i < 520; i++ {
		insertPending(t, repo, "t1", "grass_cutting", fmt.Sprintf("u%d", i), "M01")
	}
	insertPending(t, repo, "t1", "panel_wash", "u1", "M01")
	insertPending(t, repo, "t2", "grass_cutting", "u1", "M01")

	items, err := repo.ListPendingStatusRequests(ctx, "t1", "grass_cutting")
	require.NoError(t, err)
	assert.Len(t, items, 520)

	all, err := repo.ListPendingStatusRequests(ctx, "t1", "")
	require.NoError(t, err)
	assert.Len(t, all, 521)
}
