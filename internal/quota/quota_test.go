package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/backend/internal/model"
)

func TestTrack_FallbackCounterAccumulatesWithoutRedis(t *testing.T) {
	tr := New(nil, nil)
	ctx := context.Background()

	require := assert.New(t)
	require.NoError(tr.Track(ctx, model.PlatformSlack, "c1", 100))
	require.NoError(tr.Track(ctx, model.PlatformSlack, "c1", 50))

	usage := tr.Get(ctx, model.PlatformSlack, "c1")
	require.Equal(int64(150), usage.Used)
	require.Equal(int64(10000), usage.Limit)
	require.Equal(int64(9850), usage.Remaining)
}

func TestGet_RemainingFlooredAtZero(t *testing.T) {
	tr := New(nil, map[model.Platform]int64{model.PlatformGoogle: 100})
	ctx := context.Background()

	_ = tr.Track(ctx, model.PlatformGoogle, "c2", 250)
	usage := tr.Get(ctx, model.PlatformGoogle, "c2")

	assert.Equal(t, int64(250), usage.Used)
	assert.Equal(t, int64(0), usage.Remaining)
}

func TestGet_KeysAreIsolatedPerConnectionAndPlatform(t *testing.T) {
	tr := New(nil, nil)
	ctx := context.Background()

	_ = tr.Track(ctx, model.PlatformSlack, "c1", 10)
	_ = tr.Track(ctx, model.PlatformGoogle, "c1", 20)
	_ = tr.Track(ctx, model.PlatformSlack, "c2", 30)

	assert.Equal(t, int64(10), tr.Get(ctx, model.PlatformSlack, "c1").Used)
	assert.Equal(t, int64(20), tr.Get(ctx, model.PlatformGoogle, "c1").Used)
	assert.Equal(t, int64(30), tr.Get(ctx, model.PlatformSlack, "c2").Used)
}
