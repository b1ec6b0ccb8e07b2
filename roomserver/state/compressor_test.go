package state

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-server/palpo/roomserver/types"
)

// memFrameStore is an in-memory FrameStore for compressor tests.
type memFrameStore struct {
	frames map[types.FrameID]*types.StateFrame
	nextID types.FrameID
}

func newMemFrameStore() *memFrameStore {
	return &memFrameStore{frames: map[types.FrameID]*types.StateFrame{}}
}

func (s *memFrameStore) SelectStateFrame(_ context.Context, frameID types.FrameID) (*types.StateFrame, error) {
	frame, ok := s.frames[frameID]
	if !ok {
		return nil, fmt.Errorf("no frame %d", frameID)
	}
	return frame, nil
}

func (s *memFrameStore) InsertStateFrame(_ context.Context, frame *types.StateFrame) (types.FrameID, error) {
	s.nextID++
	stored := *frame
	stored.FrameID = s.nextID
	s.frames[s.nextID] = &stored
	return s.nextID, nil
}

// nopFrameCache satisfies caching.StateFrameCache without caching anything,
// so tests always exercise the store path.
type nopFrameCache struct{}

func (nopFrameCache) GetStateFrame(types.FrameID) (*types.StateFrame, bool) { return nil, false }
func (nopFrameCache) StoreStateFrame(*types.StateFrame)                     {}

func entry(field, sn int64) types.StateEntry {
	return types.StateEntry{FieldNID: types.FieldNID(field), EventSN: types.EventSN(sn)}
}

func TestCompressorFullStateAcrossDeltas(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCompressor(newMemFrameStore(), nopFrameCache{})

	root, err := c.NewFrame(ctx, "!r:a.test", 0, []types.StateEntry{entry(1, 10), entry(2, 11)}, nil)
	require.NoError(t, err)

	// Child replaces field 2 and adds field 3.
	child, err := c.NewFrame(ctx, "!r:a.test", root,
		[]types.StateEntry{entry(2, 20), entry(3, 21)},
		[]types.StateEntry{entry(2, 11)})
	require.NoError(t, err)

	full, err := c.GetFullState(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, []types.StateEntry{entry(1, 10), entry(2, 20), entry(3, 21)}, full)

	// The parent is untouched (frames are immutable).
	parentFull, err := c.GetFullState(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []types.StateEntry{entry(1, 10), entry(2, 11)}, parentFull)
}

func TestCompressorGetStateFieldShortCircuits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCompressor(newMemFrameStore(), nopFrameCache{})

	root, err := c.NewFrame(ctx, "!r:a.test", 0, []types.StateEntry{entry(1, 10)}, nil)
	require.NoError(t, err)
	child, err := c.NewFrame(ctx, "!r:a.test", root,
		[]types.StateEntry{entry(1, 20)}, []types.StateEntry{entry(1, 10)})
	require.NoError(t, err)

	sn, ok, err := c.GetStateField(ctx, child, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.EventSN(20), sn)

	sn, ok, err = c.GetStateField(ctx, root, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.EventSN(10), sn)

	_, ok, err = c.GetStateField(ctx, child, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompressorSnapshotsLongChains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemFrameStore()
	c := NewCompressor(store, nopFrameCache{})

	frameID, err := c.NewFrame(ctx, "!r:a.test", 0, []types.StateEntry{entry(1, 1)}, nil)
	require.NoError(t, err)
	for i := int64(2); i < snapshotThreshold*2; i++ {
		frameID, err = c.NewFrame(ctx, "!r:a.test", frameID, []types.StateEntry{entry(i, i)}, nil)
		require.NoError(t, err)
	}

	// At least one non-root frame must have been written as a snapshot.
	snapshots := 0
	for _, frame := range store.frames {
		if frame.IsFull {
			snapshots++
		}
	}
	assert.Greater(t, snapshots, 1)

	// And the accumulated state is still complete.
	full, err := c.GetFullState(ctx, frameID)
	require.NoError(t, err)
	assert.Len(t, full, int(snapshotThreshold*2-1))
}

func TestCompressorDeduplicatesEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCompressor(newMemFrameStore(), nopFrameCache{})

	frameID, err := c.NewFrame(ctx, "!r:a.test", 0,
		[]types.StateEntry{entry(1, 10), entry(1, 10), entry(2, 11)}, nil)
	require.NoError(t, err)

	full, err := c.GetFullState(ctx, frameID)
	require.NoError(t, err)
	assert.Equal(t, []types.StateEntry{entry(1, 10), entry(2, 11)}, full)
}
