package breadcrumbs

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_Disabled(t *testing.T) {
	for _, limit := range []int{0, -1} {
		b := NewBuffer(limit)
		assert.False(t, b.Enabled())
		assert.False(t, b.Add("ignored"))
		assert.Equal(t, 0, b.Len())
		assert.Nil(t, b.Get())
		assert.Equal(t, "", b.ToSourceCode().Text)
	}
}

func TestBuffer_EvictsOldestFirst(t *testing.T) {
	const limit = 3
	b := NewBuffer(limit)

	for i := 1; i <= limit+1; i++ {
		require.True(t, b.Add(fmt.Sprintf("crumb %d", i)))
	}

	got := b.Get()
	require.Len(t, got, limit)
	assert.Equal(t, "crumb 2", got[0].Message, "first added item should be evicted")
	assert.Equal(t, "crumb 4", got[limit-1].Message)

	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].ID+1, got[i].ID, "ids must increase without gaps")
	}
}

func TestBuffer_GetDrains(t *testing.T) {
	b := NewBuffer(5)
	b.Add("one")
	b.Add("two")

	first := b.Get()
	require.Len(t, first, 2)
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Get())

	b.Add("three")
	again := b.Get()
	require.Len(t, again, 1)
	assert.Greater(t, again[0].ID, first[1].ID, "ids are never reused after a drain")
}

func TestBuffer_Defaults(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuffer(2)
	b.SetClock(func() time.Time { return fixed })

	b.Add("clicked")
	crumb := b.Peek()[0]

	assert.Equal(t, LevelDefault, crumb.Level)
	assert.Equal(t, DefaultType, crumb.Type)
	assert.Equal(t, fixed.Unix(), crumb.Timestamp)
	assert.NotNil(t, crumb.Attributes)
}

func TestBuffer_Options(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	b := NewBuffer(2)
	b.Add("navigated",
		WithAttributes(map[string]any{"to": "/home"}),
		WithTimestamp(ts),
		WithLevel("WARN"),
		WithType("navigation"),
	)
	b.Add("odd level", WithLevel("loud"))

	crumbs := b.Peek()
	require.Len(t, crumbs, 2)
	assert.Equal(t, LevelWarn, crumbs[0].Level)
	assert.Equal(t, "navigation", crumbs[0].Type)
	assert.Equal(t, int64(1700000000), crumbs[0].Timestamp)
	assert.Equal(t, "/home", crumbs[0].Attributes["to"])
	assert.Equal(t, LevelDefault, crumbs[1].Level)
}

func TestBuffer_AttributesAreCopied(t *testing.T) {
	attrs := map[string]any{"route": "/cart"}
	b := NewBuffer(4)
	b.Add("clicked", WithAttributes(attrs))

	attrs["route"] = "/checkout"
	attrs["extra"] = true

	crumbs := b.Get()
	require.Len(t, crumbs, 1)
	assert.Equal(t, map[string]any{"route": "/cart"}, crumbs[0].Attributes)
}

func TestBuffer_ToSourceCodeDoesNotClear(t *testing.T) {
	b := NewBuffer(4)
	b.SetClock(func() time.Time { return time.Unix(0, 0) })
	b.Add("first", WithLevel("info"))
	b.Add("second", WithLevel("error"))

	src := b.ToSourceCode()
	assert.Equal(t, "main", src.ID)
	assert.Equal(t, "Text", src.Type)
	assert.Equal(t, "Log File", src.Title)
	assert.True(t, src.HighlightLine)

	lines := strings.Split(src.Text, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[1970-01-01T00:00:00Z] <info> first", lines[0])
	assert.Equal(t, "[1970-01-01T00:00:00Z] <error> second", lines[1])
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_ConcurrentAdd(t *testing.T) {
	b := NewBuffer(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Add("event")
			}
		}()
	}
	wg.Wait()

	crumbs := b.Get()
	require.Len(t, crumbs, 50)
	for i := 1; i < len(crumbs); i++ {
		assert.Less(t, crumbs[i-1].ID, crumbs[i].ID)
	}
	assert.Equal(t, uint64(800), crumbs[len(crumbs)-1].ID)
}
