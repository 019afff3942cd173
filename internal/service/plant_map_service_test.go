package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"plantops-data/internal/domain"
	"plantops-data/internal/events"
	"plantops-data/internal/repository"
	"plantops-data/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testTenant = "tenant-a"
	testTask   = "grass_cutting"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.CycleEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.CycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceFixture struct {
	svc   *PlantMapService
	repo  *repository.MemoryPlantRepo
	pub   *recordingPublisher
	clock *fakeClock
	mr    *miniredis.Miniredis
}

func newServiceFixture(t *testing.T, trackerCount int, withRedis bool) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		repo:  repository.NewMemoryPlantRepo(),
		pub:   &recordingPublisher{},
		clock: &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
	}

	var kv store.KV
	if withRedis {
		f.mr = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		kv = store.NewRedisKV(client)
	}

	f.svc = NewPlantMapService(
		repository.NewMemoryTrackersRepo(trackerCount, 10),
		f.repo,
		kv,
		f.pub,
		PlantMapConfig{
			TaskTypes:      []string{testTask, "panel_wash"},
			DebounceWindow: 10 * time.Second,
			CabinetRule:    domain.CabinetRule{GroupSize: 4, TrackerCount: trackerCount, Prefix: "C"},
		},
		zap.NewNop(),
	)
	f.svc.now = f.clock.Now
	return f
}

func trackerIDs(from, to int) []string {
	ids := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		ids = append(ids, fmt.Sprintf("M%02d", i))
	}
	return ids
}

func (f *serviceFixture) submit(t *testing.T, by string, state domain.TrackerState, ids ...string) *domain.StatusRequest {
	t.Helper()
	req, err := f.svc.SubmitStatusRequest(context.Background(), SubmitStatusRequestRequest{
		TenantID:       testTenant,
		TaskType:       testTask,
		TrackerIDs:     ids,
		RequestedState: state,
		SubmittedBy:    by,
	})
	require.NoError(t, err)
	return req
}

// completeCycle 提交并审批所有 tracker 为 done
func (f *serviceFixture) completeCycle(t *testing.T, count int) {
	t.Helper()
	req := f.submit(t, "worker-1", domain.TrackerDone, trackerIDs(1, count)...)
	_, err := f.svc.ApproveStatusRequest(context.Background(), testTenant, req.RequestID, "admin")
	require.NoError(t, err)
}

func TestGetCycleState_Default(t *testing.T) {
	f := newServiceFixture(t, 12, false)

	cs, err := f.svc.GetCycleState(context.Background(), testTenant, testTask)
	require.NoError(t, err)
	assert.Nil(t, cs.CycleNumber)
	assert.False(t, cs.IsComplete)
	assert.Len(t, cs.TrackerStates, 12)
	assert.NotContains(t, cs.TrackerStates, domain.OfficeTrackerID)
	for _, s := range cs.TrackerStates {
		assert.Equal(t, domain.TrackerNotDone, s)
	}
}

func TestGetCycleState_UnknownTaskType(t *testing.T) {
	f := newServiceFixture(t, 12, false)

	_, err := f.svc.GetCycleState(context.Background(), testTenant, "snow_removal")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetTrackerLayout_AppliesCabinets(t *testing.T) {
	f := newServiceFixture(t, 12, false)

	layout, err := f.svc.GetTrackerLayout(context.Background(), testTenant)
	require.NoError(t, err)
	require.Len(t, layout, 13)

	offices := 0
	for _, tr := range layout {
		if tr.IsOffice {
			offices++
			assert.Empty(t, tr.Cabinet)
			continue
		}
		assert.NotEmpty(t, tr.Cabinet, tr.TrackerID)
	}
	assert.Equal(t, 1, offices)
}

func TestApprove_FirstApprovalStartsCycleOne(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerDone, "M01", "M02")
	assert.Equal(t, domain.RequestPending, req.Status)

	info, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Nil(t, info.CycleNumber)

	approved, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, approved.Status)
	assert.Equal(t, "admin", approved.ReviewedBy)
	require.NotNil(t, approved.ReviewedAt)

	cs, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)
	require.NotNil(t, cs.CycleNumber)
	assert.Equal(t, 1, *cs.CycleNumber)
	assert.Equal(t, domain.TrackerDone, cs.TrackerStates["M01"])
	assert.Equal(t, domain.TrackerDone, cs.TrackerStates["M02"])
	assert.Equal(t, domain.TrackerNotDone, cs.TrackerStates["M03"])
	assert.False(t, cs.IsComplete)

	stored, err := f.repo.GetStatusRequest(ctx, testTenant, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, stored.Status)

	assert.Equal(t, []string{events.StatusRequestSubmitted, events.StatusRequestApproved}, f.pub.types())
}

func TestApprove_LastTrackerCompletesCycle(t *testing.T) {
	f := newServiceFixture(t, 99, false)
	ctx := context.Background()

	first := f.submit(t, "worker-1", domain.TrackerDone, trackerIDs(1, 98)...)
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, first.RequestID, "admin")
	require.NoError(t, err)

	info, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.False(t, info.IsComplete)

	last := f.submit(t, "worker-2", domain.TrackerDone, "M99")
	_, err = f.svc.ApproveStatusRequest(ctx, testTenant, last.RequestID, "admin")
	require.NoError(t, err)

	overview, err := f.svc.GetCycleOverview(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.True(t, overview.State.IsComplete)
	assert.NotNil(t, overview.State.CompletedAt)
	assert.Equal(t, 100.0, overview.Progress.PercentComplete)
	assert.Equal(t, 99, overview.Progress.DoneCount)

	assert.Contains(t, f.pub.types(), events.CycleCompleted)
}

func TestApprove_HalfwayNeverDowngradesDone(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	half := f.submit(t, "worker-1", domain.TrackerHalfway, "M01", "M02")
	done := f.submit(t, "worker-2", domain.TrackerDone, "M01")

	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, done.RequestID, "admin")
	require.NoError(t, err)
	_, err = f.svc.ApproveStatusRequest(ctx, testTenant, half.RequestID, "admin")
	require.NoError(t, err)

	cs, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackerDone, cs.TrackerStates["M01"])
	assert.Equal(t, domain.TrackerHalfway, cs.TrackerStates["M02"])
}

func TestSubmit_DoneTrackerIsInvalid(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerDone, "M05")
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)

	_, err = f.svc.SubmitStatusRequest(ctx, SubmitStatusRequestRequest{
		TenantID:       testTenant,
		TaskType:       testTask,
		TrackerIDs:     []string{"M04", "M05"},
		RequestedState: domain.TrackerHalfway,
		SubmittedBy:    "worker-2",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSelection)

	pending, err := f.svc.ListPending(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmit_InvalidSelections(t *testing.T) {
	f := newServiceFixture(t, 12, false)

	cases := []struct {
		name  string
		ids   []string
		state domain.TrackerState
		task  string
	}{
		{"empty", nil, domain.TrackerDone, testTask},
		{"duplicate ids", []string{"M01", "M01"}, domain.TrackerDone, testTask},
		{"unknown tracker", []string{"M77"}, domain.TrackerDone, testTask},
		{"office marker", []string{domain.OfficeTrackerID}, domain.TrackerDone, testTask},
		{"not_done is not requestable", []string{"M01"}, domain.TrackerNotDone, testTask},
		{"unknown task type", []string{"M01"}, domain.TrackerDone, "snow_removal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SubmitStatusRequest(context.Background(), SubmitStatusRequestRequest{
				TenantID:       testTenant,
				TaskType:       tc.task,
				TrackerIDs:     tc.ids,
				RequestedState: tc.state,
				SubmittedBy:    "worker-1",
			})
			assert.ErrorIs(t, err, domain.ErrInvalidSelection)
		})
	}

	resp, err := f.svc.ListStatusRequests(context.Background(), ListStatusRequestsRequest{TenantID: testTenant})
	require.NoError(t, err)
	assert.Zero(t, resp.Total)
}

func TestSubmit_DuplicateWithinWindow(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		t.Run(fmt.Sprintf("redis=%v", withRedis), func(t *testing.T) {
			f := newServiceFixture(t, 12, withRedis)
			ctx := context.Background()

			f.submit(t, "worker-1", domain.TrackerDone, "M03", "M04")

			f.clock.Advance(3 * time.Second)
			_, err := f.svc.SubmitStatusRequest(ctx, SubmitStatusRequestRequest{
				TenantID:       testTenant,
				TaskType:       testTask,
				TrackerIDs:     []string{"M04", "M03"},
				RequestedState: domain.TrackerDone,
				SubmittedBy:    "worker-1",
			})
			assert.ErrorIs(t, err, domain.ErrDuplicatePending)

			// 部分重叠同样视为重复
			_, err = f.svc.SubmitStatusRequest(ctx, SubmitStatusRequestRequest{
				TenantID:       testTenant,
				TaskType:       testTask,
				TrackerIDs:     []string{"M04", "M05"},
				RequestedState: domain.TrackerDone,
				SubmittedBy:    "worker-1",
			})
			assert.ErrorIs(t, err, domain.ErrDuplicatePending)

			pending, err := f.svc.ListPending(ctx, testTenant, testTask)
			require.NoError(t, err)
			assert.Len(t, pending, 1)
		})
	}
}

func TestSubmit_NotDuplicate(t *testing.T) {
	f := newServiceFixture(t, 12, true)
	ctx := context.Background()

	f.submit(t, "worker-1", domain.TrackerDone, "M03")

	// 不同提交人 / 不同目标状态 / 不同任务类型
	f.submit(t, "worker-2", domain.TrackerDone, "M03")
	f.submit(t, "worker-1", domain.TrackerHalfway, "M03")
	_, err := f.svc.SubmitStatusRequest(ctx, SubmitStatusRequestRequest{
		TenantID:       testTenant,
		TaskType:       "panel_wash",
		TrackerIDs:     []string{"M03"},
		RequestedState: domain.TrackerDone,
		SubmittedBy:    "worker-1",
	})
	require.NoError(t, err)

	// 窗口外
	f.clock.Advance(11 * time.Second)
	f.mr.FastForward(11 * time.Second)
	f.submit(t, "worker-1", domain.TrackerDone, "M03")

	resp, err := f.svc.ListStatusRequests(ctx, ListStatusRequestsRequest{TenantID: testTenant, Status: domain.RequestPending})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Total)
}

func TestSubmit_FailedSubmissionReleasesGuard(t *testing.T) {
	f := newServiceFixture(t, 12, true)
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerDone, "M01")
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)

	submit := SubmitStatusRequestRequest{
		TenantID:       testTenant,
		TaskType:       testTask,
		TrackerIDs:     []string{"M01", "M02"},
		RequestedState: domain.TrackerDone,
		SubmittedBy:    "worker-2",
	}
	_, err = f.svc.SubmitStatusRequest(ctx, submit)
	require.ErrorIs(t, err, domain.ErrInvalidSelection)

	guard := submissionGuardKey(testTenant, testTask, "worker-2", domain.TrackerDone, []string{"M01", "M02"})
	assert.False(t, f.mr.Exists(guard))
}

func TestApproveThenReject_RoundTrip(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	a := f.submit(t, "worker-1", domain.TrackerDone, "M01")
	r := f.submit(t, "worker-2", domain.TrackerHalfway, "M02")

	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, a.RequestID, "admin")
	require.NoError(t, err)

	rejected, err := f.svc.RejectStatusRequest(ctx, testTenant, r.RequestID, "admin", "photos missing")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, rejected.Status)
	assert.Equal(t, "photos missing", rejected.RejectReason)

	cs, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackerDone, cs.TrackerStates["M01"])
	assert.Equal(t, domain.TrackerNotDone, cs.TrackerStates["M02"])

	pending, err := f.svc.ListPending(ctx, testTenant, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	approved, err := f.svc.ListStatusRequests(ctx, ListStatusRequestsRequest{TenantID: testTenant, Status: domain.RequestApproved})
	require.NoError(t, err)
	require.Len(t, approved.Items, 1)
	assert.Equal(t, a.RequestID, approved.Items[0].RequestID)
}

func TestReject_LeavesStateUntouched(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	before, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)

	req := f.submit(t, "worker-1", domain.TrackerDone, "M01", "M02")
	_, err = f.svc.RejectStatusRequest(ctx, testTenant, req.RequestID, "admin", "")
	require.NoError(t, err)

	after, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, before.TrackerStates, after.TrackerStates)
	assert.Nil(t, after.CycleNumber)
}

func TestReview_NonPendingIsNotFound(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerDone, "M01")
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)

	_, err = f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.RejectStatusRequest(ctx, testTenant, req.RequestID, "admin", "late")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.ApproveStatusRequest(ctx, testTenant, "missing", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// 其他租户看不到
	_, err = f.svc.ApproveStatusRequest(ctx, "tenant-b", req.RequestID, "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResetCycle_IncompleteFails(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerDone, "M01")
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)

	before, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)

	_, err = f.svc.ResetCycle(ctx, testTenant, testTask, "admin")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	after, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// 从未开始的周期同样不可重置
	_, err = f.svc.ResetCycle(ctx, testTenant, "panel_wash", "admin")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestResetCycle_AdvancesCycleNumber(t *testing.T) {
	f := newServiceFixture(t, 8, true)
	ctx := context.Background()

	for cycle := 1; cycle <= 3; cycle++ {
		f.completeCycle(t, 8)
		info, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
		require.NoError(t, err)
		require.NotNil(t, info.CycleNumber)
		assert.Equal(t, cycle, *info.CycleNumber)
		assert.True(t, info.IsComplete)

		cs, err := f.svc.ResetCycle(ctx, testTenant, testTask, "admin")
		require.NoError(t, err)
		assert.Equal(t, cycle+1, *cs.CycleNumber)
		assert.False(t, cs.IsComplete)
		assert.Nil(t, cs.CompletedAt)
		for _, s := range cs.TrackerStates {
			assert.Equal(t, domain.TrackerNotDone, s)
		}
		f.clock.Advance(time.Minute)
		f.mr.FastForward(time.Minute)
	}

	info, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, 4, *info.CycleNumber)
	assert.False(t, info.IsComplete)

	history, err := f.svc.ListCycleHistory(ctx, testTenant, testTask, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 3, history.Total)
	numbers := map[int]bool{}
	for _, h := range history.Items {
		numbers[h.CycleNumber] = true
		assert.Equal(t, 8, h.TrackerCount)
		assert.Equal(t, "admin", h.ResetBy)
		assert.NotNil(t, h.CompletedAt)
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, numbers)

	assert.Contains(t, f.pub.types(), events.CycleReset)
}

func TestGetCycleInfo_Idempotent(t *testing.T) {
	f := newServiceFixture(t, 12, true)
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerHalfway, "M01")
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)

	first, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	second, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, f.mr.Exists(cycleInfoKey(testTenant, testTask)))

	// 缓存过期后仍返回相同结果
	f.mr.FastForward(time.Minute)
	third, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestApprove_CacheUpdatedAfterCommit(t *testing.T) {
	f := newServiceFixture(t, 4, true)
	ctx := context.Background()

	info, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Nil(t, info.CycleNumber)

	f.completeCycle(t, 4)

	info, err = f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	require.NotNil(t, info.CycleNumber)
	assert.Equal(t, 1, *info.CycleNumber)
	assert.True(t, info.IsComplete)
}

func TestPublishFailureDoesNotFailApproval(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	f.pub.err = fmt.Errorf("broker down")
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerDone, "M01")
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)

	cs, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackerDone, cs.TrackerStates["M01"])
}

func TestConcurrentApprovalsSerialize(t *testing.T) {
	f := newServiceFixture(t, 40, false)
	ctx := context.Background()

	reqs := make([]*domain.StatusRequest, 0, 40)
	for i := 1; i <= 40; i++ {
		reqs = append(reqs, f.submit(t, fmt.Sprintf("worker-%d", i), domain.TrackerDone, fmt.Sprintf("M%02d", i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(reqs))
	for _, r := range reqs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.ApproveStatusRequest(ctx, testTenant, id, "admin")
			errs <- err
		}(r.RequestID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	cs, err := f.svc.GetCycleState(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.True(t, cs.IsComplete)
	assert.Equal(t, 1, *cs.CycleNumber)

	completed := 0
	for _, typ := range f.pub.types() {
		if typ == events.CycleCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitStatusRequest(ctx, SubmitStatusRequestRequest{
				TenantID:       testTenant,
				TaskType:       testTask,
				TrackerIDs:     []string{"M01", "M02"},
				RequestedState: domain.TrackerDone,
				SubmittedBy:    "worker-1",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrDuplicatePending)
	}
	assert.Equal(t, 1, ok)
}

func TestListStatusRequests_InvalidStatus(t *testing.T) {
	f := newServiceFixture(t, 12, false)

	_, err := f.svc.ListStatusRequests(context.Background(), ListStatusRequestsRequest{TenantID: testTenant, Status: "archived"})
	assert.Error(t, err)
}

func TestSubmit_ResubmitAfterRejectWithinWindow(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		t.Run(fmt.Sprintf("redis=%v", withRedis), func(t *testing.T) {
			f := newServiceFixture(t, 12, withRedis)
			ctx := context.Background()

			first := f.submit(t, "worker-1", domain.TrackerDone, "M03")
			_, err := f.svc.RejectStatusRequest(ctx, testTenant, first.RequestID, "admin", "wrong row")
			require.NoError(t, err)
			if withRedis {
				guard := submissionGuardKey(testTenant, testTask, "worker-1", domain.TrackerDone, []string{"M03"})
				assert.False(t, f.mr.Exists(guard))
			}

			f.clock.Advance(2 * time.Second)
			f.submit(t, "worker-1", domain.TrackerDone, "M03")

			// 已审批的 halfway 请求同样不再阻止重新提交
			halfway := f.submit(t, "worker-1", domain.TrackerHalfway, "M05")
			_, err = f.svc.ApproveStatusRequest(ctx, testTenant, halfway.RequestID, "admin")
			require.NoError(t, err)
			f.clock.Advance(time.Second)
			f.submit(t, "worker-1", domain.TrackerHalfway, "M05")

			pending, err := f.svc.ListPending(ctx, testTenant, testTask)
			require.NoError(t, err)
			assert.Len(t, pending, 2)
		})
	}
}

func TestSubmit_StaleGuardDoesNotBlock(t *testing.T) {
	f := newServiceFixture(t, 12, true)

	guard := submissionGuardKey(testTenant, testTask, "worker-1", domain.TrackerDone, []string{"M01", "M02"})
	require.NoError(t, f.mr.Set(guard, "1"))

	req := f.submit(t, "worker-1", domain.TrackerDone, "M02", "M01")
	assert.Equal(t, []string{"M01", "M02"}, req.TrackerIDs)
}

// stallingPlantRepo 第一次 GetCycleState 读到数据后暂停，直到 resume 关闭
type stallingPlantRepo struct {
	repository.PlantRepository
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (r *stallingPlantRepo) GetCycleState(ctx context.Context, tenantID, taskType string) (*domain.CycleState, error) {
	cs, err := r.PlantRepository.GetCycleState(ctx, tenantID, taskType)
	stall := false
	r.once.Do(func() { stall = true })
	if stall {
		close(r.read)
		<-r.resume
	}
	return cs, err
}

func TestGetCycleInfo_InFlightReadDoesNotOverwriteApproval(t *testing.T) {
	f := newServiceFixture(t, 4, true)
	ctx := context.Background()

	req := f.submit(t, "worker-1", domain.TrackerDone, trackerIDs(1, 4)...)

	stalling := &stallingPlantRepo{
		PlantRepository: f.repo,
		read:            make(chan struct{}),
		resume:          make(chan struct{}),
	}
	f.svc.repo = stalling

	staleCh := make(chan *domain.CycleInfo, 1)
	go func() {
		info, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
		assert.NoError(t, err)
		staleCh <- info
	}()

	<-stalling.read
	_, err := f.svc.ApproveStatusRequest(ctx, testTenant, req.RequestID, "admin")
	require.NoError(t, err)
	close(stalling.resume)

	stale := <-staleCh
	require.NotNil(t, stale)
	assert.Nil(t, stale.CycleNumber)

	info, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	require.NotNil(t, info.CycleNumber)
	assert.Equal(t, 1, *info.CycleNumber)
	assert.True(t, info.IsComplete)
}

func TestListPending_ReturnsAllPending(t *testing.T) {
	f := newServiceFixture(t, 12, false)
	ctx := context.Background()

	for i := 0; i < 520; i++ {
		f.submit(t, fmt.Sprintf("worker-%d", i), domain.TrackerDone, "M01")
	}

	pending, err := f.svc.ListPending(ctx, testTenant, testTask)
	require.NoError(t, err)
	assert.Len(t, pending, 520)

	pending, err = f.svc.ListPending(ctx, testTenant, "")
	require.NoError(t, err)
	assert.Len(t, pending, 520)

	_, err = f.svc.ListPending(ctx, testTenant, "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvalidateCycleInfo(t *testing.T) {
	f := newServiceFixture(t, 12, true)
	ctx := context.Background()

	_, err := f.svc.GetCycleInfo(ctx, testTenant, testTask)
	require.NoError(t, err)
	_, err = f.svc.GetCycleInfo(ctx, testTenant, "panel_wash")
	require.NoError(t, err)
	_, err = f.svc.GetCycleInfo(ctx, "tenant-b", testTask)
	require.NoError(t, err)

	require.NoError(t, f.svc.InvalidateCycleInfo(ctx, testTenant))
	assert.False(t, f.mr.Exists(cycleInfoKey(testTenant, testTask)))
	assert.False(t, f.mr.Exists(cycleInfoKey(testTenant, "panel_wash")))
	assert.True(t, f.mr.Exists(cycleInfoKey("tenant-b", testTask)))

	// 未启用 Redis 时为空操作
	assert.NoError(t, newServiceFixture(t, 12, false).svc.InvalidateCycleInfo(ctx, testTenant))
}
