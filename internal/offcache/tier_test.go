package offcache

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func bodyEntry(n int) Entry {
	return Entry{Status: http.StatusOK, Body: []byte(strings.Repeat("b", n))}
}

func TestRAMCache_LRU(t *testing.T) {
	c := newRAMCache(250)
	c.Put("a", bodyEntry(100))
	c.Put("b", bodyEntry(100))
	require.EqualValues(t, 200, c.TotalSize())

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", bodyEntry(100))
	require.Equal(t, 2, c.Len())
	require.EqualValues(t, 200, c.TotalSize())

	_, ok = c.Get("b")
	require.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestRAMCache_ReplaceAdjustsSize(t *testing.T) {
	c := newRAMCache(1000)
	c.Put("a", bodyEntry(100))
	c.Put("a", bodyEntry(300))
	require.Equal(t, 1, c.Len())
	require.EqualValues(t, 300, c.TotalSize())
}

func TestRAMCache_OversizedNotKept(t *testing.T) {
	c := newRAMCache(100)
	c.Put("a", bodyEntry(50))
	c.Put("a", bodyEntry(500))
	_, ok := c.Get("a")
	require.False(t, ok, "an oversized replacement drops the old value")
	require.EqualValues(t, 0, c.TotalSize())
}

func TestRAMCache_DeletePrefix(t *testing.T) {
	c := newRAMCache(1 << 20)
	c.Put("catalog-api@v1"+keySep+"k1", bodyEntry(10))
	c.Put("catalog-api@v1"+keySep+"k2", bodyEntry(10))
	c.Put("catalog-api@v10"+keySep+"k1", bodyEntry(10))

	c.DeletePrefix("catalog-api@v1" + keySep)
	require.Equal(t, 1, c.Len())
	_, ok := c.Get("catalog-api@v10" + keySep + "k1")
	require.True(t, ok)
}

func TestTieredStore_ServesCopies(t *testing.T) {
	ctx := context.Background()
	reg := newTieredRegistry(newTestRegistry(t), 1<<20, 0)

	s, err := reg.Open(ctx, "image-assets@v1")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", textEntry(http.StatusOK, "pixels")))
	require.Equal(t, 1, reg.ram.Len())

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got.Body[0] = 'X'
	got.Header.Set("Content-Type", "mutated")

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "pixels", string(again.Body))
	require.Equal(t, "text/plain", again.Header.Get("Content-Type"))
}

func TestTieredStore_FillsRAMFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := newTestRegistry(t)
	bs, err := backend.Open(ctx, "static-assets@v1")
	require.NoError(t, err)
	require.NoError(t, bs.Put(ctx, "k", textEntry(http.StatusOK, "disk")))

	reg := newTieredRegistry(backend, 1<<20, 0)
	s, err := reg.Open(ctx, "static-assets@v1")
	require.NoError(t, err)
	require.Equal(t, 0, reg.ram.Len())

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "disk", string(got.Body))
	require.Equal(t, 1, reg.ram.Len())
}

func TestTieredRegistry_DeletePurgesRAM(t *testing.T) {
	ctx := context.Background()
	reg := newTieredRegistry(newTestRegistry(t), 1<<20, 0)

	s, err := reg.Open(ctx, "catalog-api@v1")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", jsonEntry(`[]`)))

	existed, err := reg.Delete(ctx, "catalog-api@v1")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, 0, reg.ram.Len())

	s, err = reg.Open(ctx, "catalog-api@v1")
	require.NoError(t, err)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTieredStore_RejectsOversizedEntry(t *testing.T) {
	ctx := context.Background()
	reg := newTieredRegistry(newTestRegistry(t), 1<<20, 64)

	s, err := reg.Open(ctx, "image-assets@v1")
	require.NoError(t, err)
	err = s.Put(ctx, "big", bodyEntry(65))
	require.ErrorIs(t, err, ErrEntryTooLarge)

	_, err = s.Get(ctx, "big")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Put(ctx, "small", bodyEntry(64)))
}

func TestTieredRegistry_WithoutRAM(t *testing.T) {
	ctx := context.Background()
	reg := newTieredRegistry(newTestRegistry(t), 0, 0)
	require.Nil(t, reg.ram)

	s, err := reg.Open(ctx, "static-assets@v1")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", textEntry(http.StatusOK, "v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(got.Body))
	_, err = reg.Delete(ctx, "static-assets@v1")
	require.NoError(t, err)
}
