// Package history implements the append-only playback history log and the
// per-(user, equivalence-group) statistics cache built on top of it.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/hyperquantum/pmp/internal/pmp/hashid"
)

// Record is one completed (or partially completed) playback event.
type Record struct {
	ID              uint32
	HashID          uint32
	UserID          uint32
	StartedAt       time.Time
	EndedAt         time.Time
	Permillage      int
	ValidForScoring bool
}

// Stats is the derived, rebuildable per-(user, group) aggregate.
type Stats struct {
	LastHistoryID     uint32
	LastHeard         time.Time
	PlayCountForScore int
	AveragePermillage float64
}

// BookmarkKey is the misc_data key housing the cache watermark.
const BookmarkKey = "UserHashStatsCacheHistoryId"

type cacheKey struct {
	userID uint32
	hashID uint32
}

// Store is the persistence dependency of the history engine.
type Store interface {
	AppendHistory(r Record) (uint32, error)
	HistoryRecordsAfter(id uint32, limit int) ([]Record, error)
	HistoryRecordsForGroup(userID uint32, hashIDs []uint32) ([]Record, error)
	SaveCachedStats(userID, hashID uint32, s Stats) error
	DeleteCachedStats(userID, hashID uint32) error
	LoadCachedStats(userID, hashID uint32) (Stats, bool, error)
	LatestHistoryID() (uint32, error)
	GetMisc(key string) (string, bool, error)
	CompareAndSetMisc(key, oldVal, newVal string) (bool, error)
}

// Engine is the mutex-guarded statistics cache over an authoritative
// history log.
type Engine struct {
	mu        sync.Mutex
	store     Store
	relations *hashid.Relations
	memCache  map[cacheKey]Stats
	onChanged func(userID uint32, groupIDs []uint32)
}

// NewEngine creates an engine backed by store, resolving equivalence groups
// through relations.
func NewEngine(store Store, relations *hashid.Relations) *Engine {
	return &Engine{store: store, relations: relations, memCache: make(map[cacheKey]Stats)}
}

// OnChanged registers the callback invoked whenever a background fetch
// completes with different stats than previously cached.
func (e *Engine) OnChanged(fn func(userID uint32, groupIDs []uint32)) {
	e.mu.Lock()
	e.onChanged = fn
	e.mu.Unlock()
}

// AddToHistory appends a history record, recomputes the affected user's
// aggregate for every hash in the hash's equivalence group, and advances
// the cache bookmark.
func (e *Engine) AddToHistory(userID, hashID uint32, started, ended time.Time, permillage int, validForScoring bool) (uint32, error) {
	r := Record{
		HashID:          hashID,
		UserID:          userID,
		StartedAt:       started,
		EndedAt:         ended,
		Permillage:      permillage,
		ValidForScoring: validForScoring,
	}
	id, err := e.store.AppendHistory(r)
	if err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}

	group := e.relations.GroupOf(hashID)
	if err := e.recomputeAndCache(userID, group); err != nil {
		return id, fmt.Errorf("recompute stats: %w", err)
	}

	if err := e.advanceBookmark(id); err != nil {
		return id, fmt.Errorf("advance bookmark: %w", err)
	}
	return id, nil
}

func (e *Engine) advanceBookmark(newID uint32) error {
	oldVal := fmt.Sprintf("%d", newID-1)
	newVal := fmt.Sprintf("%d", newID)
	ok, err := e.store.CompareAndSetMisc(BookmarkKey, oldVal, newVal)
	if err != nil {
		return err
	}
	if !ok {
		// Another writer already advanced past this point or the watermark
		// was behind; the cache-fixer will catch up the gap.
		return nil
	}
	return nil
}

// recomputeAndCache rebuilds a (user, group) aggregate from the
// authoritative history table and duplicates it under every member hash id,
// matching the schema's per-(user,hash) cache row.
func (e *Engine) recomputeAndCache(userID uint32, group []uint32) error {
	records, err := e.store.HistoryRecordsForGroup(userID, group)
	if err != nil {
		return err
	}
	stats := computeStats(records)

	e.mu.Lock()
	changed := false
	for _, hid := range group {
		key := cacheKey{userID, hid}
		if old, ok := e.memCache[key]; !ok || old != stats {
			changed = true
		}
		e.memCache[key] = stats
	}
	e.mu.Unlock()

	for _, hid := range group {
		if err := e.store.SaveCachedStats(userID, hid, stats); err != nil {
			return err
		}
	}
	if changed && e.onChanged != nil {
		e.onChanged(userID, group)
	}
	return nil
}

func computeStats(records []Record) Stats {
	var s Stats
	var permillageSum, scored int
	for _, r := range records {
		if r.ID > s.LastHistoryID {
			s.LastHistoryID = r.ID
		}
		if r.EndedAt.After(s.LastHeard) {
			s.LastHeard = r.EndedAt
		}
		if r.ValidForScoring {
			scored++
			permillageSum += r.Permillage
		}
	}
	s.PlayCountForScore = scored
	if scored > 0 {
		s.AveragePermillage = float64(permillageSum) / float64(scored)
	}
	return s
}

// RecordsAfter returns up to limit history records with id > id, in
// ascending id order, straight from the authoritative log.
func (e *Engine) RecordsAfter(id uint32, limit int) ([]Record, error) {
	return e.store.HistoryRecordsAfter(id, limit)
}

// GetStatsIfAvailable returns cached group stats if present, non-blocking.
// If absent, it schedules a background fetch and returns (Stats{}, false).
func (e *Engine) GetStatsIfAvailable(userID, hashID uint32) (Stats, bool) {
	e.mu.Lock()
	s, ok := e.memCache[cacheKey{userID, hashID}]
	e.mu.Unlock()
	if ok {
		return s, true
	}
	go e.fetchInBackground(userID, hashID)
	return Stats{}, false
}

func (e *Engine) fetchInBackground(userID, hashID uint32) {
	group := e.relations.GroupOf(hashID)
	if cached, ok, err := e.store.LoadCachedStats(userID, hashID); err == nil && ok {
		e.mu.Lock()
		for _, hid := range group {
			e.memCache[cacheKey{userID, hid}] = cached
		}
		e.mu.Unlock()
		if e.onChanged != nil {
			e.onChanged(userID, group)
		}
		return
	}
	_ = e.recomputeAndCache(userID, group)
}

// InvalidateIndividualHashStatistics drops the cached row for (user, hash)
// only, without touching the rest of the group.
func (e *Engine) InvalidateIndividualHashStatistics(userID, hashID uint32) error {
	e.mu.Lock()
	delete(e.memCache, cacheKey{userID, hashID})
	e.mu.Unlock()
	return e.store.DeleteCachedStats(userID, hashID)
}

// InvalidateAllGroupStatisticsForHash drops every cached row, across every
// user, for every hash in hashID's equivalence group. Used when equivalence
// itself changes.
func (e *Engine) InvalidateAllGroupStatisticsForHash(hashID uint32, usersWithCache []uint32) error {
	group := e.relations.GroupOf(hashID)
	e.mu.Lock()
	for _, u := range usersWithCache {
		for _, hid := range group {
			delete(e.memCache, cacheKey{u, hid})
		}
	}
	e.mu.Unlock()
	for _, u := range usersWithCache {
		for _, hid := range group {
			if err := e.store.DeleteCachedStats(u, hid); err != nil {
				return err
			}
		}
	}
	return nil
}
