package targeting

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/livepreview"
)

type fakeGetter struct {
	calls atomic.Int32
	err   error
	delay time.Duration
	query url.Values
	mu    sync.Mutex
}

func (f *fakeGetter) Get(ctx context.Context, op, path string, query url.Values, out any) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.query = query
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return f.err
	}
	resp := out.(*listResponse)
	resp.Embedded.TargetGroups = []livepreview.TargetGroup{
		{ID: 2, Title: "Returning visitors"},
		{ID: 1, Title: "First visit"},
	}
	return nil
}

func TestRemoteLoaderCachesAndSorts(t *testing.T) {
	getter := &fakeGetter{}
	loader := NewRemoteLoader(getter, "/admin/api/target-groups", time.Minute, zerolog.Nop())
	defer loader.Close()

	groups, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []livepreview.TargetGroup{
		{ID: 1, Title: "First visit"},
		{ID: 2, Title: "Returning visitors"},
	}, groups)
	assert.Equal(t, "true", getter.query.Get("flat"))

	_, err = loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), getter.calls.Load())

	loader.cache.Invalidate(cacheKey)
	_, err = loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), getter.calls.Load())
}

func TestRemoteLoaderDeduplicatesConcurrentLoads(t *testing.T) {
	getter := &fakeGetter{delay: 30 * time.Millisecond}
	loader := NewRemoteLoader(getter, "/groups", time.Minute, zerolog.Nop())
	defer loader.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := loader.Load(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), getter.calls.Load())
}

func TestRemoteLoaderServesStaleWhileRefreshing(t *testing.T) {
	getter := &fakeGetter{}
	loader := NewRemoteLoader(getter, "/groups", 20*time.Millisecond, zerolog.Nop())
	defer loader.Close()

	_, err := loader.Load(context.Background())
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	groups, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, groups, 2)
	assert.Eventually(t, func() bool { return getter.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRemoteLoaderError(t *testing.T) {
	getter := &fakeGetter{err: errors.New("cms down")}
	loader := NewRemoteLoader(getter, "/groups", time.Minute, zerolog.Nop())
	defer loader.Close()

	_, err := loader.Load(context.Background())
	assert.EqualError(t, err, "cms down")
}

func TestStaticLoaderAndOptions(t *testing.T) {
	loader := NewStaticLoader([]livepreview.TargetGroup{{ID: 5, Title: "VIP"}})
	defer loader.Close()

	groups, err := loader.Load(context.Background())
	require.NoError(t, err)

	options := Options(groups)
	require.Len(t, options, 2)
	assert.Equal(t, livepreview.NoTargetGroup, options[0].ID)
	assert.Equal(t, 5, options[1].ID)
}
