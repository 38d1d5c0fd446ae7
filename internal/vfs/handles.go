package vfs

import (
	"os"
	"sync"
	"sync/atomic"
)

// HandleID is the type for VFS handles
type HandleID uint64

// openFile is the state shared by every handle open on one cache key.
type openFile struct {
	mu   sync.RWMutex
	key  string
	rel  string
	refs int // guarded by HandleManager.mu

	size     atomic.Int64 // last known remote size
	mtime    atomic.Int64 // remote mtime (ns) the cached bytes correspond to
	detached atomic.Bool  // cache entry dropped while open
}

// DualHandle pairs the remote file with its cache file. Cache is nil for
// pass-through handles.
type DualHandle struct {
	Remote *os.File
	Cache  *os.File
	Flags  int

	file *openFile
}

// Key returns the cache key the handle currently writes back under.
func (dh *DualHandle) Key() string {
	dh.file.mu.RLock()
	defer dh.file.mu.RUnlock()
	return dh.file.key
}

// Rel returns the mount-relative path the handle was opened on, following renames.
func (dh *DualHandle) Rel() string {
	dh.file.mu.RLock()
	defer dh.file.mu.RUnlock()
	return dh.file.rel
}

// Cached reports whether reads and writes go through the block cache. A
// handle stops being cached once its entry is dropped underneath it.
func (dh *DualHandle) Cached() bool {
	return dh.Cache != nil && !dh.file.detached.Load()
}

// Size returns the last known remote size.
func (dh *DualHandle) Size() int64 {
	return dh.file.size.Load()
}

// SetSize records a new remote size, e.g. after truncate.
func (dh *DualHandle) SetSize(size int64) {
	dh.file.size.Store(size)
}

// Grow raises the known remote size to end if it is larger.
func (dh *DualHandle) Grow(end int64) {
	for {
		cur := dh.file.size.Load()
		if end <= cur || dh.file.size.CompareAndSwap(cur, end) {
			return
		}
	}
}

// Mtime returns the remote mtime the cached bytes correspond to.
func (dh *DualHandle) Mtime() int64 {
	return dh.file.mtime.Load()
}

// NoteMtime records the remote mtime observed after a write through dh.
// Concurrent writers may report out of order, so the newest value wins.
func (dh *DualHandle) NoteMtime(mtime int64) {
	for {
		cur := dh.file.mtime.Load()
		if mtime <= cur || dh.file.mtime.CompareAndSwap(cur, mtime) {
			return
		}
	}
}

// HandleManager manages VFS handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*DualHandle
	files      map[string]*openFile
	nextHandle HandleID
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*DualHandle),
		files:      make(map[string]*openFile),
		nextHandle: 1,
	}
}

// Allocate registers dh for rel and key and returns its handle. size seeds
// the shared known size when dh is the first handle open on key.
func (hm *HandleManager) Allocate(dh *DualHandle, rel, key string, size int64) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	f, ok := hm.files[key]
	if !ok {
		f = &openFile{key: key, rel: rel}
		f.size.Store(size)
		hm.files[key] = f
	}
	f.refs++
	dh.file = f

	handle := hm.nextHandle
	hm.nextHandle++
	hm.handles[handle] = dh
	return handle
}

// Get retrieves a handle
func (hm *HandleManager) Get(h HandleID) (*DualHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	dh, ok := hm.handles[h]
	return dh, ok
}

// Release removes a handle. Only the first call for a handle returns it.
func (hm *HandleManager) Release(h HandleID) (*DualHandle, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	dh, ok := hm.handles[h]
	if !ok {
		return nil, false
	}
	delete(hm.handles, h)
	dh.file.refs--
	if key := dh.Key(); dh.file.refs == 0 && hm.files[key] == dh.file {
		delete(hm.files, key)
	}
	return dh, true
}

// SetSize updates the known size of key if any handle has it open.
func (hm *HandleManager) SetSize(key string, size int64) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if f, ok := hm.files[key]; ok {
		f.size.Store(size)
	}
}

// SetMtime sets the remote mtime of key if any handle has it open. Unlike
// NoteMtime it may move the value backwards, as an explicit utimes does.
func (hm *HandleManager) SetMtime(key string, mtime int64) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if f, ok := hm.files[key]; ok {
		f.mtime.Store(mtime)
	}
}

// Mtime returns the remote mtime tracked for key and whether any handle has
// key open.
func (hm *HandleManager) Mtime(key string) (int64, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	f, ok := hm.files[key]
	if !ok {
		return 0, false
	}
	return f.mtime.Load(), true
}

// Detach marks every handle open on key as no longer backed by the cache
// entry, so later opens start a fresh one.
func (hm *HandleManager) Detach(key string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if f, ok := hm.files[key]; ok {
		f.detached.Store(true)
		delete(hm.files, key)
	}
}

// Rekey moves the shared state of oldKey to newKey after a rename, so open
// handles keep writing back under the new key. Handles already open on
// newKey keep their own state.
func (hm *HandleManager) Rekey(oldKey, newKey, newRel string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	f, ok := hm.files[oldKey]
	if !ok || oldKey == newKey {
		return
	}
	delete(hm.files, oldKey)
	f.mu.Lock()
	f.key = newKey
	f.rel = newRel
	f.mu.Unlock()
	if _, taken := hm.files[newKey]; !taken {
		hm.files[newKey] = f
	}
}

// Count returns the number of open handles.
func (hm *HandleManager) Count() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}

// Clear removes all handles, returning them so the caller can close them.
func (hm *HandleManager) Clear() []*DualHandle {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	out := make([]*DualHandle, 0, len(hm.handles))
	for _, dh := range hm.handles {
		out = append(out, dh)
	}
	hm.handles = make(map[HandleID]*DualHandle)
	hm.files = make(map[string]*openFile)
	// Don't reset nextHandle to avoid handle ID reuse issues
	return out
}
