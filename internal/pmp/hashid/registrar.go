package hashid

import "sync"

// Persister is the storage-facing dependency of the registrar. It persists
// a newly assigned id before GetOrCreateID returns it to the caller.
type Persister interface {
	// SaveHash assigns persistent storage to the (id, hash) pair. Called
	// exactly once per new id, inside the registrar's critical section.
	SaveHash(id uint32, h FileHash) error
	// LoadHashes loads every previously persisted (id, hash) pair, used to
	// warm the in-memory registrar at startup.
	LoadHashes() (map[uint32]FileHash, error)
}

// Registrar owns the bijective FileHash<->uint32 mapping. All mutating
// operations and snapshot reads are guarded by a single mutex; persistence
// I/O happens inside the critical section so a concurrent caller requesting
// the same hash always observes either "not yet assigned" or "assigned and
// durable", never a half-assigned id.
type Registrar struct {
	mu      sync.Mutex
	persist Persister
	byHash  map[FileHash]uint32
	byID    map[uint32]FileHash
	nextID  uint32
}

// NewRegistrar creates an empty registrar backed by persist.
func NewRegistrar(persist Persister) *Registrar {
	return &Registrar{
		persist: persist,
		byHash:  make(map[FileHash]uint32),
		byID:    make(map[uint32]FileHash),
	}
}

// Load warms the registrar from persistent storage. Must be called before
// serving traffic.
func (r *Registrar) Load() error {
	rows, err := r.persist.LoadHashes()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range rows {
		r.byHash[h] = id
		r.byID[id] = h
		if id >= r.nextID {
			r.nextID = id + 1
		}
	}
	return nil
}

// GetOrCreateID returns the id for h, assigning and persisting a new one on
// first sight. Idempotent and atomic across concurrent callers for the same
// hash. h must not be the zero sentinel.
func (r *Registrar) GetOrCreateID(h FileHash) (uint32, error) {
	if h.IsZero() {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byHash[h]; ok {
		return id, nil
	}
	r.nextID++
	id := r.nextID
	if err := r.persist.SaveHash(id, h); err != nil {
		r.nextID--
		return 0, err
	}
	r.byHash[h] = id
	r.byID[id] = h
	return id, nil
}

// GetOrCreateIDs is the bulk form of GetOrCreateID; the returned slice
// preserves the order of hashes.
func (r *Registrar) GetOrCreateIDs(hashes []FileHash) ([]uint32, error) {
	ids := make([]uint32, len(hashes))
	for i, h := range hashes {
		id, err := r.GetOrCreateID(h)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// GetExistingIDsOnly returns the subset of hashes already registered, with
// their ids, in no particular order.
func (r *Registrar) GetExistingIDsOnly(hashes []FileHash) map[FileHash]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[FileHash]uint32, len(hashes))
	for _, h := range hashes {
		if id, ok := r.byHash[h]; ok {
			out[h] = id
		}
	}
	return out
}

// IDForHash returns the id for h and whether it is registered.
func (r *Registrar) IDForHash(h FileHash) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[h]
	return id, ok
}

// IsRegistered reports whether id has been assigned.
func (r *Registrar) IsRegistered(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// HashForID returns the hash registered under id, if any.
func (r *Registrar) HashForID(id uint32) (FileHash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	return h, ok
}

// GetAllLoaded returns a snapshot copy of every known (id, hash) pair.
func (r *Registrar) GetAllLoaded() map[uint32]FileHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]FileHash, len(r.byID))
	for id, h := range r.byID {
		out[id] = h
	}
	return out
}
