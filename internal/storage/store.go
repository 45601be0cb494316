// Package storage implements the bounded per-team message store: a hot
// JSONL file plus gzip archives, evicted by age, count, and byte budget.
package storage

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/happyagents/happy/internal/common/config"
	apperrors "github.com/happyagents/happy/internal/common/errors"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/team"
)

// Store persists team messages under <root>/<team-id>/. Writes to one team
// are serialized; different teams proceed independently.
type Store struct {
	root string
	cfg  config.StorageConfig
	log  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a message store rooted at cfg.Root.
func NewStore(cfg config.StorageConfig, log *logger.Logger) *Store {
	return &Store{
		root:  cfg.Root,
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "message-store")),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) teamLock(teamID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[teamID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[teamID] = lock
	}
	return lock
}

func (s *Store) teamDir(teamID string) string {
	return filepath.Join(s.root, teamID)
}

func (s *Store) hotPath(teamID string) string {
	return filepath.Join(s.teamDir(teamID), "messages.jsonl")
}

func (s *Store) archiveDir(teamID string) string {
	return filepath.Join(s.teamDir(teamID), "archives")
}

// Save appends one message and enforces the retention limits. Enforcement
// failures are logged, never returned.
func (s *Store) Save(teamID string, msg *team.Message) error {
	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.teamDir(teamID), 0o755); err != nil {
		return apperrors.InternalError("creating team directory", err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return apperrors.InternalError("encoding message", err)
	}

	f, err := os.OpenFile(s.hotPath(teamID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.InternalError("opening hot file", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		f.Close()
		return apperrors.InternalError("appending message", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.InternalError("closing hot file", err)
	}

	s.enforceLimits(teamID)
	return nil
}

// Hydrate merges remote history into the local store by id, rewrites the
// hot file ordered by timestamp ascending, and enforces limits. Merging is
// idempotent.
func (s *Store) Hydrate(teamID string, remote []*team.Message) error {
	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	local, err := s.readHot(teamID)
	if err != nil {
		s.log.Warn("could not read hot file before hydrate", zap.Error(err))
		local = nil
	}

	byID := make(map[string]*team.Message, len(local)+len(remote))
	for _, m := range local {
		byID[m.ID] = m
	}
	for _, m := range remote {
		if m != nil && m.ID != "" {
			byID[m.ID] = m
		}
	}

	merged := make([]*team.Message, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	if err := s.writeHot(teamID, merged); err != nil {
		return err
	}
	s.enforceLimits(teamID)
	return nil
}

// Get returns a newest-first page of the hot set. A non-zero before bounds
// the page to messages strictly older than that timestamp.
func (s *Store) Get(teamID string, limit int, before int64) ([]*team.Message, bool, error) {
	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	all, err := s.readHot(teamID)
	if err != nil {
		return nil, false, err
	}

	var eligible []*team.Message
	for _, m := range all {
		if before > 0 && m.Timestamp >= before {
			continue
		}
		eligible = append(eligible, m)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Timestamp > eligible[j].Timestamp
	})

	hasMore := limit > 0 && len(eligible) > limit
	if hasMore {
		eligible = eligible[:limit]
	}
	return eligible, hasMore, nil
}

// RecentContext returns the latest n messages oldest-first, the order the
// context bundle feeds them to the engine.
func (s *Store) RecentContext(teamID string, n int) ([]*team.Message, error) {
	page, _, err := s.Get(teamID, n, 0)
	if err != nil {
		return nil, err
	}
	// page is newest-first; reverse in place.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *Store) readHot(teamID string) ([]*team.Message, error) {
	f, err := os.Open(s.hotPath(teamID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("opening hot file", err)
	}
	defer f.Close()

	var out []*team.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m team.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			s.log.Warn("skipping corrupt message record", zap.Error(err))
			continue
		}
		out = append(out, &m)
	}
	if err := scanner.Err(); err != nil {
		return out, apperrors.InternalError("reading hot file", err)
	}
	return out, nil
}

// writeHot rewrites the hot file atomically via temp-then-rename.
func (s *Store) writeHot(teamID string, messages []*team.Message) error {
	if err := os.MkdirAll(s.teamDir(teamID), 0o755); err != nil {
		return apperrors.InternalError("creating team directory", err)
	}

	tmp, err := os.CreateTemp(s.teamDir(teamID), "messages-*.jsonl.tmp")
	if err != nil {
		return apperrors.InternalError("creating temp file", err)
	}
	w := bufio.NewWriter(tmp)
	for _, m := range messages {
		raw, err := json.Marshal(m)
		if err != nil {
			s.log.Warn("skipping unencodable message", zap.Error(err))
			continue
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperrors.InternalError("flushing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return apperrors.InternalError("closing temp file", err)
	}
	if err := os.Rename(tmp.Name(), s.hotPath(teamID)); err != nil {
		os.Remove(tmp.Name())
		return apperrors.InternalError("replacing hot file", err)
	}
	return nil
}

// enforceLimits applies the retention rules: age out old records, cap the
// hot set, archive the overflow as one gzip file, then trim the archive
// directory by count and total byte budget. All failures are warnings.
func (s *Store) enforceLimits(teamID string) {
	all, err := s.readHot(teamID)
	if err != nil {
		s.log.Warn("limit enforcement skipped", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.cfg.MaxAge()).UnixMilli()
	var retained, archived []*team.Message
	for _, m := range all {
		if m.Timestamp < cutoff {
			archived = append(archived, m)
		} else {
			retained = append(retained, m)
		}
	}

	sort.SliceStable(retained, func(i, j int) bool {
		return retained[i].Timestamp < retained[j].Timestamp
	})
	if overflow := len(retained) - s.cfg.HotCap; overflow > 0 {
		archived = append(archived, retained[:overflow]...)
		retained = retained[overflow:]
	}

	if len(archived) == 0 && len(retained) == len(all) {
		return
	}

	if err := s.writeHot(teamID, retained); err != nil {
		s.log.Warn("could not rewrite hot file", zap.Error(err))
		return
	}

	if len(archived) > 0 {
		sort.SliceStable(archived, func(i, j int) bool {
			return archived[i].Timestamp < archived[j].Timestamp
		})
		if err := s.writeArchive(teamID, archived); err != nil {
			s.log.Warn("could not write archive", zap.Error(err))
		}
	}

	s.trimArchives(teamID)
}

func (s *Store) writeArchive(teamID string, messages []*team.Message) error {
	dir := s.archiveDir(teamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("%d-%s.jsonl.gz", time.Now().UnixMilli(), messages[0].ID)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	for _, m := range messages {
		raw, err := json.Marshal(m)
		if err != nil {
			continue
		}
		gz.Write(raw)
		gz.Write([]byte("\n"))
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// trimArchives deletes oldest archives past the count cap, then keeps
// deleting oldest while hot plus archives exceed the team byte budget. The
// hot file itself is never truncated here.
func (s *Store) trimArchives(teamID string) {
	dir := s.archiveDir(teamID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("could not list archives", zap.Error(err))
		}
		return
	}

	type archiveFile struct {
		name string
		size int64
	}
	var archives []archiveFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archiveFile{name: e.Name(), size: info.Size()})
	}
	// Archive names start with a millisecond timestamp, so the
	// lexicographic order is the chronological order.
	sort.Slice(archives, func(i, j int) bool { return archives[i].name < archives[j].name })

	remove := func(i int) {
		if err := os.Remove(filepath.Join(dir, archives[i].name)); err != nil {
			s.log.Warn("could not delete archive",
				zap.String("archive", archives[i].name),
				zap.Error(err))
		}
	}

	deleted := 0
	for len(archives)-deleted > s.cfg.MaxArchives {
		remove(deleted)
		deleted++
	}

	var hotSize int64
	if info, err := os.Stat(s.hotPath(teamID)); err == nil {
		hotSize = info.Size()
	}
	total := hotSize
	for _, a := range archives[deleted:] {
		total += a.size
	}
	for total > s.cfg.TeamBudgetBytes && deleted < len(archives) {
		total -= archives[deleted].size
		remove(deleted)
		deleted++
	}
}
