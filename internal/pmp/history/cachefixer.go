package history

import (
	"context"
	"fmt"
	"time"
)

// State is a phase of the UserHashStatsCacheFixer watchdog.
type State int

const (
	StateInitial State = iota
	StateWaitBeforeDeciding
	StateDecideWhatToDo
	StateProcessingHistory
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateWaitBeforeDeciding:
		return "WaitBeforeDeciding"
	case StateDecideWhatToDo:
		return "DecideWhatToDo"
	case StateProcessingHistory:
		return "ProcessingHistory"
	case StateFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

const (
	initialDecideWait = 5 * time.Second
	initialBackoff    = 5 * time.Second
	maxBackoff        = 5 * time.Minute
	batchSize         = 10
)

// CacheFixer watches the history log for records past the statistics
// cache's bookmark and invalidates the affected (user, hash) pairs so a
// later read re-derives them from the authoritative log.
type CacheFixer struct {
	engine  *Engine
	state   State
	backoff time.Duration
}

// NewCacheFixer creates a fixer bound to engine.
func NewCacheFixer(engine *Engine) *CacheFixer {
	return &CacheFixer{engine: engine, state: StateInitial, backoff: initialBackoff}
}

// State returns the fixer's current phase.
func (f *CacheFixer) State() State { return f.state }

// Run drives the watchdog until the bookmark catches up to the latest
// history id (entering Finished) or ctx is cancelled.
func (f *CacheFixer) Run(ctx context.Context) error {
	f.state = StateInitial
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(initialDecideWait):
	}
	f.state = StateWaitBeforeDeciding

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		f.state = StateDecideWhatToDo

		done, err := f.pass(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.backoff):
			}
			f.backoff *= 2
			if f.backoff > maxBackoff {
				f.backoff = maxBackoff
			}
			continue
		}
		f.backoff = initialBackoff
		if done {
			f.state = StateFinished
			return nil
		}
	}
}

// Lag reports how many history records the cache-fixer's bookmark is
// currently behind the latest appended record.
func (f *CacheFixer) Lag() (int64, error) {
	bookmarkStr, ok, err := f.engine.store.GetMisc(BookmarkKey)
	if err != nil {
		return 0, err
	}
	var bookmark uint32
	if ok {
		if _, scanErr := fmt.Sscanf(bookmarkStr, "%d", &bookmark); scanErr != nil {
			return 0, scanErr
		}
	}
	latest, err := f.engine.store.LatestHistoryID()
	if err != nil {
		return 0, err
	}
	return int64(latest) - int64(bookmark), nil
}

// pass processes up to one batch of history records past the bookmark.
// Returns done=true once the bookmark has caught up to the latest id.
func (f *CacheFixer) pass(ctx context.Context) (done bool, err error) {
	bookmarkStr, ok, err := f.engine.store.GetMisc(BookmarkKey)
	if err != nil {
		return false, err
	}
	var bookmark uint32
	if ok {
		if _, scanErr := fmt.Sscanf(bookmarkStr, "%d", &bookmark); scanErr != nil {
			return false, scanErr
		}
	}

	latest, err := f.engine.store.LatestHistoryID()
	if err != nil {
		return false, err
	}
	if bookmark >= latest {
		return true, nil
	}

	f.state = StateProcessingHistory
	records, err := f.engine.store.HistoryRecordsAfter(bookmark, batchSize)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return bookmark >= latest, nil
	}

	invalidatedThisPass := make(map[cacheKey]bool)
	for _, r := range records {
		key := cacheKey{r.UserID, r.HashID}
		if !invalidatedThisPass[key] {
			if err := f.engine.InvalidateIndividualHashStatistics(r.UserID, r.HashID); err != nil {
				return false, err
			}
			invalidatedThisPass[key] = true
		}
		if err := f.advanceTo(r.ID); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (f *CacheFixer) advanceTo(id uint32) error {
	oldVal := fmt.Sprintf("%d", id-1)
	newVal := fmt.Sprintf("%d", id)
	ok, err := f.engine.store.CompareAndSetMisc(BookmarkKey, oldVal, newVal)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bookmark CAS failed advancing to %d", id)
	}
	return nil
}
