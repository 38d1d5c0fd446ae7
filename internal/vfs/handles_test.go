package vfs

import (
	"sync"
	"testing"
)

func newTestHandle() *DualHandle {
	return &DualHandle{}
}

func TestNewHandleManager(t *testing.T) {
	hm := NewHandleManager()
	if hm == nil {
		t.Fatal("NewHandleManager returned nil")
	}
	if hm.handles == nil || hm.files == nil {
		t.Error("maps are nil")
	}
	if hm.nextHandle != 1 {
		t.Errorf("nextHandle = %d, want 1", hm.nextHandle)
	}
}

func TestAllocate(t *testing.T) {
	hm := NewHandleManager()

	h1 := hm.Allocate(newTestHandle(), "file1.txt", "k1", 10)
	h2 := hm.Allocate(newTestHandle(), "dir/file2.txt", "k2", 20)
	h3 := hm.Allocate(newTestHandle(), "file1.txt", "k1", 99)

	if h1 == 0 || h2 == 0 || h3 == 0 {
		t.Error("handles should not be 0")
	}
	if h1 != 1 || h2 != 2 || h3 != 3 {
		t.Error("handles should be sequential")
	}
	if hm.Count() != 3 {
		t.Errorf("Count = %d, want 3", hm.Count())
	}
}

func TestGet(t *testing.T) {
	hm := NewHandleManager()

	h := hm.Allocate(newTestHandle(), "a/b.txt", "key", 100)

	dh, ok := hm.Get(h)
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if dh.Rel() != "a/b.txt" {
		t.Errorf("rel = %s, want a/b.txt", dh.Rel())
	}
	if dh.Key() != "key" {
		t.Errorf("key = %s, want key", dh.Key())
	}
	if dh.Size() != 100 {
		t.Errorf("size = %d, want 100", dh.Size())
	}
	if dh.Cached() {
		t.Error("handle without cache file should not be cached")
	}
}

func TestGet_NotFound(t *testing.T) {
	hm := NewHandleManager()

	if _, ok := hm.Get(999); ok {
		t.Error("Get should return not ok for nonexistent handle")
	}
}

func TestRelease(t *testing.T) {
	hm := NewHandleManager()

	h := hm.Allocate(newTestHandle(), "test.txt", "k", 0)

	if _, ok := hm.Release(h); !ok {
		t.Fatal("first release should return the handle")
	}
	if _, ok := hm.Release(h); ok {
		t.Error("second release should not return the handle")
	}
	if _, ok := hm.Get(h); ok {
		t.Error("handle should not exist after release")
	}
	if isOpen(hm, "k") {
		t.Error("key should not be open after its last handle is released")
	}
}

func TestSharedSize(t *testing.T) {
	hm := NewHandleManager()

	h1 := hm.Allocate(newTestHandle(), "f", "k", 10)
	h2 := hm.Allocate(newTestHandle(), "f", "k", 10)
	dh1, _ := hm.Get(h1)
	dh2, _ := hm.Get(h2)

	dh1.Grow(50)
	if dh2.Size() != 50 {
		t.Errorf("size seen by second handle = %d, want 50", dh2.Size())
	}
	dh2.Grow(20)
	if dh1.Size() != 50 {
		t.Error("Grow must not shrink")
	}
	hm.SetSize("k", 5)
	if dh1.Size() != 5 || dh2.Size() != 5 {
		t.Error("SetSize should reach every handle on the key")
	}

	hm.Release(h1)
	if !isOpen(hm, "k") {
		t.Error("key should stay open while a handle remains")
	}
}

func isOpen(hm *HandleManager, key string) bool {
	_, open := hm.Mtime(key)
	return open
}

func TestSharedMtime(t *testing.T) {
	hm := NewHandleManager()

	if _, open := hm.Mtime("k"); open {
		t.Fatal("unopened key reported open")
	}
	h1 := hm.Allocate(newTestHandle(), "f", "k", 0)
	h2 := hm.Allocate(newTestHandle(), "f", "k", 0)
	dh1, _ := hm.Get(h1)
	dh2, _ := hm.Get(h2)

	hm.SetMtime("k", 100)
	dh1.NoteMtime(300)
	dh2.NoteMtime(200)
	if m, open := hm.Mtime("k"); !open || m != 300 {
		t.Errorf("mtime = %d (open=%v), want 300", m, open)
	}
	hm.SetMtime("k", 50)
	if dh1.Mtime() != 50 || dh2.Mtime() != 50 {
		t.Error("SetMtime should move the value back for every handle")
	}

	hm.Release(h1)
	hm.Release(h2)
	if _, open := hm.Mtime("k"); open {
		t.Error("released key reported open")
	}
}

func TestRekey(t *testing.T) {
	hm := NewHandleManager()

	h := hm.Allocate(newTestHandle(), "old", "k-old", 0)
	hm.Rekey("k-old", "k-new", "new")

	dh, _ := hm.Get(h)
	if dh.Key() != "k-new" || dh.Rel() != "new" {
		t.Errorf("after rekey: key=%s rel=%s", dh.Key(), dh.Rel())
	}
	if isOpen(hm, "k-old") || !isOpen(hm, "k-new") {
		t.Error("open set not moved")
	}

	// A later handle on the old key must not be disturbed by releasing h.
	h2 := hm.Allocate(newTestHandle(), "old", "k-old", 0)
	hm.Release(h)
	if !isOpen(hm, "k-old") {
		t.Error("release of rekeyed handle removed another handle's entry")
	}
	hm.Release(h2)
}

func TestDetach(t *testing.T) {
	hm := NewHandleManager()

	h := hm.Allocate(newTestHandle(), "f", "k", 0)
	hm.Detach("k")
	if isOpen(hm, "k") {
		t.Error("detached key should not be open")
	}

	// New opens get fresh shared state.
	h2 := hm.Allocate(newTestHandle(), "f", "k", 7)
	dh, _ := hm.Get(h)
	dh2, _ := hm.Get(h2)
	if !dh.file.detached.Load() || dh2.file.detached.Load() {
		t.Error("only the old state should be detached")
	}
	if dh2.Size() != 7 {
		t.Errorf("size = %d, want 7", dh2.Size())
	}
}

func TestConcurrentAccess(t *testing.T) {
	hm := NewHandleManager()
	const numGoroutines = 100
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				h := hm.Allocate(newTestHandle(), "test", "k", 0)
				if dh, ok := hm.Get(h); ok {
					dh.Grow(int64(j))
				}
				isOpen(hm, "k")
				hm.Release(h)
			}
		}(i)
	}

	wg.Wait()
	if hm.Count() != 0 || isOpen(hm, "k") {
		t.Error("handles leaked")
	}
}

func TestClear(t *testing.T) {
	hm := NewHandleManager()

	for i := 0; i < 5; i++ {
		hm.Allocate(newTestHandle(), "f", "k", 0)
	}
	out := hm.Clear()
	if len(out) != 5 {
		t.Errorf("Clear returned %d handles, want 5", len(out))
	}
	if hm.Count() != 0 {
		t.Error("Count should be 0 after Clear")
	}
}

func TestClear_PreservesNextHandle(t *testing.T) {
	hm := NewHandleManager()

	hm.Allocate(newTestHandle(), "a", "a", 0)
	hm.Allocate(newTestHandle(), "b", "b", 0)
	hm.Clear()

	if h := hm.Allocate(newTestHandle(), "c", "c", 0); h != 3 {
		t.Errorf("handle after Clear = %d, want 3 (no reuse)", h)
	}
}
