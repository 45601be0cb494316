package storage

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyagents/happy/internal/common/config"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/team"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T, hotCap int) *Store {
	cfg := config.StorageConfig{
		Root:            t.TempDir(),
		HotCap:          hotCap,
		MaxAgeDays:      7,
		TeamBudgetBytes: 5 * 1024 * 1024,
		MaxArchives:     10,
	}
	return NewStore(cfg, newTestLogger(t))
}

func msgAt(id string, ts int64) *team.Message {
	return &team.Message{
		ID:            id,
		TeamID:        "team-1",
		Content:       "message " + id,
		Type:          team.TypeChat,
		Timestamp:     ts,
		FromSessionID: "s1",
	}
}

func countHotLines(t *testing.T, s *Store, teamID string) int {
	f, err := os.Open(s.hotPath(teamID))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	return n
}

func listArchives(t *testing.T, s *Store, teamID string) []string {
	entries, err := os.ReadDir(s.archiveDir(teamID))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t, 500)
	now := time.Now().UnixMilli()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save("team-1", msgAt(fmt.Sprintf("m%d", i), now+int64(i))))
	}

	page, hasMore, err := s.Get("team-1", 3, 0)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 3)
	assert.Equal(t, "m4", page[0].ID, "newest first")
	assert.Equal(t, "m2", page[2].ID)

	// before bounds the page to strictly older messages.
	page, _, err = s.Get("team-1", 10, now+2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].ID)
}

func TestRecentContext_OldestFirst(t *testing.T) {
	s := newTestStore(t, 500)
	now := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save("team-1", msgAt(fmt.Sprintf("m%d", i), now+int64(i))))
	}

	recent, err := s.RecentContext("team-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].ID)
	assert.Equal(t, "m4", recent[2].ID)
}

func TestHydrate_Idempotent(t *testing.T) {
	s := newTestStore(t, 500)
	now := time.Now().UnixMilli()

	require.NoError(t, s.Save("team-1", msgAt("local-1", now)))

	remote := []*team.Message{
		msgAt("remote-1", now-10),
		msgAt("local-1", now), // duplicate merges by id
		msgAt("remote-2", now+10),
	}
	require.NoError(t, s.Hydrate("team-1", remote))
	require.NoError(t, s.Hydrate("team-1", remote))

	page, _, err := s.Get("team-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "remote-2", page[0].ID)
	assert.Equal(t, "remote-1", page[2].ID)
}

func TestHotCapOverflowArchives(t *testing.T) {
	s := newTestStore(t, 10)
	now := time.Now().UnixMilli()

	for i := 0; i < 15; i++ {
		require.NoError(t, s.Save("team-1", msgAt(fmt.Sprintf("m%02d", i), now+int64(i))))
	}

	assert.Equal(t, 10, countHotLines(t, s, "team-1"))
	archives := listArchives(t, s, "team-1")
	assert.NotEmpty(t, archives)
	for _, name := range archives {
		assert.True(t, strings.HasSuffix(name, ".jsonl.gz"), "archive %s", name)
	}

	// The hot set keeps the newest messages.
	page, _, err := s.Get("team-1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "m14", page[0].ID)
}

func TestAgeEviction(t *testing.T) {
	s := newTestStore(t, 500)
	now := time.Now().UnixMilli()
	old := now - 8*24*60*60*1000 // past the 7 day max age

	require.NoError(t, s.Save("team-1", msgAt("old-1", old)))
	require.NoError(t, s.Save("team-1", msgAt("new-1", now)))

	assert.Equal(t, 1, countHotLines(t, s, "team-1"))
	assert.NotEmpty(t, listArchives(t, s, "team-1"))

	page, _, err := s.Get("team-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "new-1", page[0].ID)
}

func TestArchiveCountCap(t *testing.T) {
	cfg := config.StorageConfig{
		Root:            t.TempDir(),
		HotCap:          1,
		MaxAgeDays:      7,
		TeamBudgetBytes: 5 * 1024 * 1024,
		MaxArchives:     3,
	}
	s := NewStore(cfg, newTestLogger(t))
	now := time.Now().UnixMilli()

	// Each save past the cap produces one archive file.
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Save("team-1", msgAt(fmt.Sprintf("m%d", i), now+int64(i))))
	}

	archives := listArchives(t, s, "team-1")
	assert.LessOrEqual(t, len(archives), 3)
}

func TestByteBudgetEvictsOldestArchives(t *testing.T) {
	cfg := config.StorageConfig{
		Root:            t.TempDir(),
		HotCap:          1,
		MaxAgeDays:      7,
		TeamBudgetBytes: 600, // tiny budget forces archive eviction
		MaxArchives:     100,
	}
	s := NewStore(cfg, newTestLogger(t))
	now := time.Now().UnixMilli()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Save("team-1", msgAt(fmt.Sprintf("m%02d", i), now+int64(i))))
	}

	var total int64
	if info, err := os.Stat(s.hotPath("team-1")); err == nil {
		total += info.Size()
	}
	for _, name := range listArchives(t, s, "team-1") {
		info, err := os.Stat(filepath.Join(s.archiveDir("team-1"), name))
		require.NoError(t, err)
		total += info.Size()
	}
	assert.LessOrEqual(t, total, int64(600))

	// The hot file survives budget pressure.
	assert.Equal(t, 1, countHotLines(t, s, "team-1"))
}

func TestArchiveContentReadable(t *testing.T) {
	s := newTestStore(t, 1)
	now := time.Now().UnixMilli()

	require.NoError(t, s.Save("team-1", msgAt("first", now)))
	require.NoError(t, s.Save("team-1", msgAt("second", now+1)))

	archives := listArchives(t, s, "team-1")
	require.NotEmpty(t, archives)

	f, err := os.Open(filepath.Join(s.archiveDir("team-1"), archives[0]))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"id":"first"`)
}

func TestTeamsAreIsolated(t *testing.T) {
	s := newTestStore(t, 500)
	now := time.Now().UnixMilli()

	require.NoError(t, s.Save("team-a", msgAt("a1", now)))
	require.NoError(t, s.Save("team-b", msgAt("b1", now)))

	pageA, _, err := s.Get("team-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, pageA, 1)
	assert.Equal(t, "a1", pageA[0].ID)

	pageB, _, err := s.Get("team-b", 10, 0)
	require.NoError(t, err)
	require.Len(t, pageB, 1)
	assert.Equal(t, "b1", pageB[0].ID)
}

func TestGet_EmptyTeam(t *testing.T) {
	s := newTestStore(t, 500)

	page, hasMore, err := s.Get("ghost-team", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.False(t, hasMore)
}
