package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now advances by one millisecond per call so every row gets a distinct stamp.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func openTestStore(t *testing.T) (*Store, *stepClock) {
	t.Helper()
	clock := newStepClock()
	s, err := Open(context.Background(), Config{Path: ":memory:"}, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func enqueue(t *testing.T, s *Store, p EnqueueParams) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), p)
	require.NoError(t, err)
	return id
}

func runToStatus(t *testing.T, s *Store, id int64, status Status) {
	t.Helper()
	ctx := context.Background()
	ok, err := s.MarkRunning(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	if status == StatusRunning {
		return
	}
	require.NoError(t, s.SetStatus(ctx, id, status, nil))
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	t.Run("defaults", func(t *testing.T) {
		id := enqueue(t, s, EnqueueParams{ProjectName: "alpha", Command: "do the thing"})
		job, err := s.Get(ctx, id)
		require.NoError(t, err)

		assert.Equal(t, "alpha", job.ProjectName)
		assert.Equal(t, StatusPending, job.Status)
		assert.Equal(t, 0, job.Priority)
		assert.Nil(t, job.SessionID)
		assert.Nil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)
		assert.Nil(t, job.ErrorMessage)
		assert.Equal(t, `{}`, string(job.Options))
		assert.False(t, job.CreatedAt.IsZero())
	})

	t.Run("options round trip byte for byte", func(t *testing.T) {
		raw := `{"model":"big", "nested":{"a":[1,2,3]},  "z":1}`
		id := enqueue(t, s, EnqueueParams{ProjectName: "alpha", Options: json.RawMessage(raw)})
		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, raw, string(job.Options))
	})

	t.Run("invalid options rejected", func(t *testing.T) {
		_, err := s.Enqueue(ctx, EnqueueParams{ProjectName: "alpha", Options: json.RawMessage(`{"oops"`)})
		require.ErrorIs(t, err, ErrInvalidOptions)
	})

	t.Run("project required", func(t *testing.T) {
		_, err := s.Enqueue(ctx, EnqueueParams{ProjectName: "  "})
		require.Error(t, err)
	})

	t.Run("session and user stored", func(t *testing.T) {
		id := enqueue(t, s, EnqueueParams{ProjectName: "alpha", SessionID: "sess-1", UserID: "u-7"})
		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "sess-1", job.Session())
		require.NotNil(t, job.UserID)
		assert.Equal(t, "u-7", *job.UserID)
	})
}

func TestClaimNextOrdering(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	a := enqueue(t, s, EnqueueParams{ProjectName: "p", Command: "A", Priority: 0})
	b := enqueue(t, s, EnqueueParams{ProjectName: "p", Command: "B", Priority: 5})
	c := enqueue(t, s, EnqueueParams{ProjectName: "p", Command: "C", Priority: 5})

	var order []int64
	for range 3 {
		job, err := s.ClaimNext(ctx, "p")
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
		runToStatus(t, s, job.ID, StatusCompleted)
	}
	assert.Equal(t, []int64{b, c, a}, order)

	job, err := s.ClaimNext(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextPendingBeforeFailed(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	failed := enqueue(t, s, EnqueueParams{ProjectName: "p", Priority: 10})
	runToStatus(t, s, failed, StatusFailed)
	pending := enqueue(t, s, EnqueueParams{ProjectName: "p"})

	job, err := s.ClaimNext(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, pending, job.ID)

	runToStatus(t, s, pending, StatusCompleted)

	job, err = s.ClaimNext(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, failed, job.ID)
	assert.Equal(t, StatusFailed, job.Status)

	// A failed job can be retried directly.
	ok, err := s.MarkRunning(ctx, failed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimNextExcluding(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	first := enqueue(t, s, EnqueueParams{ProjectName: "p"})
	second := enqueue(t, s, EnqueueParams{ProjectName: "p"})

	job, err := s.ClaimNextExcluding(ctx, "p", []int64{first})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID)

	job, err = s.ClaimNextExcluding(ctx, "p", []int64{first, second})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSessionExclusivity(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	j1 := enqueue(t, s, EnqueueParams{ProjectName: "p", SessionID: "shared"})
	j2 := enqueue(t, s, EnqueueParams{ProjectName: "p", SessionID: "shared"})
	other := enqueue(t, s, EnqueueParams{ProjectName: "q", SessionID: "shared"})

	runToStatus(t, s, j1, StatusRunning)

	t.Run("same project skipped", func(t *testing.T) {
		job, err := s.ClaimNext(ctx, "p")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("other project skipped", func(t *testing.T) {
		job, err := s.ClaimNext(ctx, "q")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("mark running refused", func(t *testing.T) {
		ok, err := s.MarkRunning(ctx, j2)
		require.NoError(t, err)
		assert.False(t, ok)

		job, err := s.Get(ctx, j2)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, job.Status)
	})

	require.NoError(t, s.SetStatus(ctx, j1, StatusCompleted, nil))

	job, err := s.ClaimNext(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, j2, job.ID)

	job, err = s.ClaimNext(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, other, job.ID)
}

func TestMarkRunningRace(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	id := enqueue(t, s, EnqueueParams{ProjectName: "p"})

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkRunning(ctx, id)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	t.Run("timestamps and message", func(t *testing.T) {
		id := enqueue(t, s, EnqueueParams{ProjectName: "p"})
		runToStatus(t, s, id, StatusRunning)

		msg := "boom"
		require.NoError(t, s.SetStatus(ctx, id, StatusFailed, &msg))

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, job.Status)
		require.NotNil(t, job.StartedAt)
		require.NotNil(t, job.CompletedAt)
		assert.True(t, job.CompletedAt.After(*job.StartedAt))
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, "boom", *job.ErrorMessage)
	})

	t.Run("nil message leaves previous message", func(t *testing.T) {
		id := enqueue(t, s, EnqueueParams{ProjectName: "p"})
		runToStatus(t, s, id, StatusRunning)
		msg := "first"
		require.NoError(t, s.SetStatus(ctx, id, StatusFailed, &msg))
		runToStatus(t, s, id, StatusCompleted)

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, job.Status)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, "first", *job.ErrorMessage)
	})

	t.Run("backwards transitions rejected", func(t *testing.T) {
		id := enqueue(t, s, EnqueueParams{ProjectName: "p"})
		runToStatus(t, s, id, StatusCompleted)

		err := s.SetStatus(ctx, id, StatusRunning, nil)
		require.ErrorIs(t, err, ErrInvalidTransition)
		err = s.SetStatus(ctx, id, StatusPending, nil)
		require.ErrorIs(t, err, ErrInvalidTransition)

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, job.Status)
	})

	t.Run("pending cannot complete", func(t *testing.T) {
		id := enqueue(t, s, EnqueueParams{ProjectName: "p"})
		err := s.SetStatus(ctx, id, StatusCompleted, nil)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown job", func(t *testing.T) {
		err := s.SetStatus(ctx, 9999, StatusFailed, nil)
		require.ErrorIs(t, err, ErrJobNotFound)
		assert.True(t, IsNotFound(err))
	})

	t.Run("unknown status", func(t *testing.T) {
		id := enqueue(t, s, EnqueueParams{ProjectName: "p"})
		err := s.SetStatus(ctx, id, Status("paused"), nil)
		require.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestAttachSession(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	id := enqueue(t, s, EnqueueParams{ProjectName: "p"})
	require.NoError(t, s.AttachSession(ctx, id, "discovered"))
	require.NoError(t, s.AttachSession(ctx, id, "second"))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "discovered", job.Session())
}

func TestGetNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Get(context.Background(), 42)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestListStuck(t *testing.T) {
	ctx := context.Background()
	s, clock := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := enqueue(t, s, EnqueueParams{ProjectName: "p"})
	clock.Set(now.Add(-31 * time.Minute))
	runToStatus(t, s, old, StatusRunning)

	recent := enqueue(t, s, EnqueueParams{ProjectName: "p"})
	clock.Set(now.Add(-10 * time.Minute))
	runToStatus(t, s, recent, StatusRunning)

	stuck, err := s.ListStuck(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, old, stuck[0].ID)
}

func TestListActiveAndProjects(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	done := enqueue(t, s, EnqueueParams{ProjectName: "b"})
	runToStatus(t, s, done, StatusCompleted)
	running := enqueue(t, s, EnqueueParams{ProjectName: "b"})
	runToStatus(t, s, running, StatusRunning)
	pending := enqueue(t, s, EnqueueParams{ProjectName: "a"})
	failed := enqueue(t, s, EnqueueParams{ProjectName: "c"})
	runToStatus(t, s, failed, StatusFailed)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, pending, active[0].ID)
	assert.Equal(t, running, active[1].ID)

	eligible, err := s.EligibleProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, eligible)

	all, err := s.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	recent, err := s.ListForProject(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, running, recent[0].ID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Running: 1, Completed: 1, Failed: 1}, st)
	assert.Equal(t, 4, st.Total())
}

func TestRetentionCleanup(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	var ids []int64
	for range 150 {
		id := enqueue(t, s, EnqueueParams{ProjectName: "busy"})
		runToStatus(t, s, id, StatusCompleted)
		ids = append(ids, id)
	}
	for range 5 {
		id := enqueue(t, s, EnqueueParams{ProjectName: "quiet"})
		runToStatus(t, s, id, StatusFailed)
	}
	live := enqueue(t, s, EnqueueParams{ProjectName: "busy"})

	deleted, err := s.RetentionCleanup(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), deleted)

	busy, err := s.ListForProject(ctx, "busy", 500)
	require.NoError(t, err)
	assert.Len(t, busy, 101)

	kept := map[int64]bool{}
	for _, j := range busy {
		kept[j.ID] = true
	}
	assert.True(t, kept[live], "pending job must survive cleanup")
	assert.False(t, kept[ids[49]], "oldest completed jobs are removed")
	assert.True(t, kept[ids[50]])
	assert.True(t, kept[ids[149]])

	quiet, err := s.ListForProject(ctx, "quiet", 500)
	require.NoError(t, err)
	assert.Len(t, quiet, 5)

	deleted, err = s.RetentionCleanup(ctx, "busy", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(90), deleted)
}

func TestOpenFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "jobs.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	id := enqueue(t, s, EnqueueParams{ProjectName: "p", Command: "persist me"})
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, Migrate(ctx, s.DB()))
	require.NoError(t, s.Ping(ctx))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", job.Command)
}

func TestRetryBusy(t *testing.T) {
	ctx := context.Background()
	locked := errors.New("database is locked (5) (SQLITE_BUSY)")

	calls := 0
	err := retryBusy(ctx, 3, func() error {
		calls++
		if calls < 3 {
			return locked
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryBusy(ctx, 2, func() error {
		calls++
		return locked
	})
	require.ErrorIs(t, err, locked)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryBusy(ctx, 5, func() error {
		calls++
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls, "other errors are not retried")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = retryBusy(cancelled, 5, func() error { return locked })
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "memory", cfg: Config{Path: ":memory:"}, want: ":memory:"},
		{name: "plain path", cfg: Config{Path: filepath.Join(dir, "a.db")}, want: "file:" + filepath.Join(dir, "a.db")},
		{name: "url with token", cfg: Config{URL: "libsql://db.example.io", AuthToken: "tok"}, want: "libsql://db.example.io?authToken=tok"},
		{name: "url keeps token", cfg: Config{URL: "libsql://db.example.io?authToken=x", AuthToken: "tok"}, want: "libsql://db.example.io?authToken=x"},
		{name: "empty", cfg: Config{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
