package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azyu/novelforge/pkg/types"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

type failingStore struct{}

func (failingStore) Put(context.Context, State) error { return errors.New("down") }
func (failingStore) Get(context.Context, string) (*State, error) {
	return nil, errors.New("down")
}

func newTestReporter(store Store) (*Reporter, *manualClock) {
	clk := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewReporter(store, time.Second, WithNow(clk.Now)), clk
}

func TestReporterThrottlesWrites(t *testing.T) {
	store := NewMemoryStore()
	r, clk := newTestReporter(store)
	ctx := context.Background()

	r.Update(ctx, "b1", Update{Progress: 50, Message: "Writing chapter 1"}, false)
	r.Update(ctx, "b1", Update{Progress: 52}, false)
	r.Update(ctx, "b1", Update{Progress: 54}, false)
	assert.Equal(t, 1, store.Writes())

	stored, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Progress)

	clk.now = clk.now.Add(time.Second)
	r.Update(ctx, "b1", Update{Progress: 56}, false)
	assert.Equal(t, 2, store.Writes())

	stored, err = store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 56, stored.Progress)
	assert.Equal(t, "Writing chapter 1", stored.Message, "unset fields keep previous values")
}

func TestReporterForceBypassesThrottle(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestReporter(store)
	ctx := context.Background()

	r.Update(ctx, "b1", Update{Progress: 40}, false)
	r.Update(ctx, "b1", Update{Progress: 40, Step: types.StepChapters}, true)

	assert.Equal(t, 2, store.Writes())
}

func TestReporterFlushWritesPending(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestReporter(store)
	ctx := context.Background()

	r.Update(ctx, "b1", Update{Progress: 60}, false)
	r.Update(ctx, "b1", Update{Progress: 61, CurrentSection: 2}, false)
	r.Flush(ctx, "b1")
	r.Flush(ctx, "b1")

	assert.Equal(t, 2, store.Writes())
	stored, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 61, stored.Progress)
	assert.Equal(t, 2, stored.CurrentSection)
}

func TestReporterForget(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestReporter(store)
	ctx := context.Background()

	r.Update(ctx, "b1", Update{Progress: 70, Step: types.StepChapters}, true)
	r.Update(ctx, "b2", Update{Progress: 10}, true)
	require.True(t, r.Tracking("b1"))

	r.Forget("b1")
	assert.False(t, r.Tracking("b1"))
	assert.True(t, r.Tracking("b2"))

	st, err := r.Get(ctx, "b1")
	require.NoError(t, err, "reads fall back to the store")
	assert.Equal(t, 70, st.Progress)
	assert.Equal(t, types.StepChapters, st.Step)

	r.Update(ctx, "b1", Update{Progress: 75}, false)
	assert.Equal(t, 3, store.Writes(), "a forgotten book starts with a fresh throttle")
}

func TestReporterBooksThrottledIndependently(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestReporter(store)
	ctx := context.Background()

	r.Update(ctx, "a", Update{Progress: 10}, false)
	r.Update(ctx, "b", Update{Progress: 10}, false)

	assert.Equal(t, 2, store.Writes())
}

func TestReporterSwallowsStoreErrors(t *testing.T) {
	r, _ := newTestReporter(failingStore{})

	r.Update(context.Background(), "b1", Update{Progress: 25, Error: "boom"}, true)

	state, err := r.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "boom", state.Error)
}

func TestNewStepClearsError(t *testing.T) {
	r, _ := newTestReporter(NewMemoryStore())
	ctx := context.Background()

	r.Update(ctx, "b1", Update{Progress: 60, Error: "boom"}, true)
	r.Update(ctx, "b1", Update{Progress: 60, Message: "still failing"}, true)
	state, err := r.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "boom", state.Error)

	r.Update(ctx, "b1", Update{Progress: 50, Step: types.StepChapters}, true)
	state, err = r.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, state.Error)
}

func TestReporterGetFallsBackToStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), State{BookID: "b1", Progress: 77}))
	r, _ := newTestReporter(store)

	state, err := r.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 77, state.Progress)

	_, err = r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgressIsClamped(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestReporter(store)

	r.Update(context.Background(), "b1", Update{Progress: 140}, true)

	state, err := r.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 100, state.Progress)
}

func TestChapterProgress(t *testing.T) {
	tests := []struct {
		name     string
		chapter  int
		chapters int
		section  int
		sections int
		want     int
	}{
		{name: "start", chapter: 0, chapters: 4, section: 0, sections: 3, want: 50},
		{name: "half way", chapter: 2, chapters: 4, section: 0, sections: 3, want: 70},
		{name: "mid chapter", chapter: 1, chapters: 4, section: 1, sections: 2, want: 65},
		{name: "all chapters", chapter: 4, chapters: 4, section: 0, sections: 0, want: 90},
		{name: "no chapters", chapter: 0, chapters: 0, section: 0, sections: 0, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChapterProgress(tt.chapter, tt.chapters, tt.section, tt.sections))
		})
	}
}

func TestRedisStoreOptions(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	s := newRedisStore(client, WithChannel("progress-test"), WithTTL(time.Hour), WithTTL(0))

	assert.Equal(t, "progress-test", s.channel)
	assert.Equal(t, time.Hour, s.ttl)
	assert.Equal(t, "book:progress:abc", progressKey("abc"))
}
