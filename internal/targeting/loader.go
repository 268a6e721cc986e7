// Package targeting loads the audience-targeting groups a preview can be
// rendered for.
package targeting

import (
	"context"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/cache"
)

const cacheKey = "target_groups"

// Getter performs a JSON GET against the CMS. *session.Client implements it.
type Getter interface {
	Get(ctx context.Context, op, path string, query url.Values, out any) error
}

type listResponse struct {
	Embedded struct {
		TargetGroups []livepreview.TargetGroup `json:"target_groups"`
	} `json:"_embedded"`
}

// Loader returns the target-group list, caching it for a TTL. Once the TTL has
// passed the cached list is still served while a refresh runs.
type Loader struct {
	fetch func(ctx context.Context) ([]livepreview.TargetGroup, error)
	cache *cache.MemoryCache[[]livepreview.TargetGroup]
	ttl   time.Duration
	group singleflight.Group
	log   zerolog.Logger
}

// NewRemoteLoader loads target groups from the CMS list endpoint at path.
func NewRemoteLoader(client Getter, path string, ttl time.Duration, log zerolog.Logger) *Loader {
	fetch := func(ctx context.Context) ([]livepreview.TargetGroup, error) {
		var resp listResponse
		query := url.Values{"flat": {"true"}, "fields": {"id,title"}}
		if err := client.Get(ctx, "target_groups", path, query, &resp); err != nil {
			return nil, err
		}
		return resp.Embedded.TargetGroups, nil
	}
	return newLoader(fetch, ttl, log)
}

// NewStaticLoader serves a fixed list, used by the local backend.
func NewStaticLoader(groups []livepreview.TargetGroup) *Loader {
	fixed := append([]livepreview.TargetGroup(nil), groups...)
	fetch := func(context.Context) ([]livepreview.TargetGroup, error) {
		return fixed, nil
	}
	return newLoader(fetch, time.Hour, zerolog.Nop())
}

func newLoader(fetch func(context.Context) ([]livepreview.TargetGroup, error), ttl time.Duration, log zerolog.Logger) *Loader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Loader{
		fetch: fetch,
		cache: cache.NewMemoryCache[[]livepreview.TargetGroup](),
		ttl:   ttl,
		log:   log.With().Str("component", "targeting").Logger(),
	}
}

// Load returns the target groups sorted by title.
func (l *Loader) Load(ctx context.Context) ([]livepreview.TargetGroup, error) {
	if groups, found, stale := l.cache.Get(cacheKey); found {
		if stale {
			go l.refresh(context.WithoutCancel(ctx))
		}
		return groups, nil
	}
	return l.refresh(ctx)
}

func (l *Loader) refresh(ctx context.Context) ([]livepreview.TargetGroup, error) {
	v, err, _ := l.group.Do(cacheKey, func() (any, error) {
		groups, err := l.fetch(ctx)
		if err != nil {
			l.log.Warn().Err(err).Msg("Failed to load target groups")
			return nil, err
		}
		sorted := append([]livepreview.TargetGroup(nil), groups...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Title < sorted[j].Title })

		// Stale after the TTL, gone after twice the TTL.
		l.cache.SetWithStale(cacheKey, sorted, l.ttl, 2*l.ttl)
		l.log.Debug().Int("count", len(sorted)).Msg("Target groups loaded")
		return sorted, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]livepreview.TargetGroup), nil
}

// Close drops the cached list.
func (l *Loader) Close() {
	l.cache.Clear()
}

// Options returns the selectable options: "no target group" followed by groups.
func Options(groups []livepreview.TargetGroup) []livepreview.TargetGroup {
	return livepreview.TargetGroupOptions(groups)
}
