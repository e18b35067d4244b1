package vm

import "sync"

import "github.com/nobodyknowsthat/storpu/avl"
import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/stats"

// FILEMAX bounds the number of flash namespace descriptors with their
// own cache.
const FILEMAX = 64

// Cached page flags.
const (
	CPF_HUGEPAGE = 0x1
	CPF_DIRTY    = 0x2
)

// Cachedpage_t is a 1- or 4-frame unit of the page cache, keyed by
// (fd, aligned file offset). The mutex protects the contents; the tree
// lock of the owning address space protects membership.
type Cachedpage_t struct {
	lock Mutex_i

	Fd     int
	Offset uintptr
	Flags  int

	pages [HPNRPAGES]*Page_t
}

// Pagecount returns the number of frames behind the cached page.
func (cp *Cachedpage_t) Pagecount() int {
	if cp.Flags&CPF_HUGEPAGE != 0 {
		return HPNRPAGES
	}
	return 1
}

// Lock_cached_page locks the page contents.
func Lock_cached_page(cp *Cachedpage_t) {
	cp.lock.Lock()
}

// Unlock_cached_page unlocks the page contents.
func Unlock_cached_page(cp *Cachedpage_t) {
	cp.lock.Unlock()
}

// Find_subpage returns the frame of cp covering the given fd offset.
func Find_subpage(cp *Cachedpage_t, offset uintptr) *Page_t {
	if cp.Flags&CPF_HUGEPAGE == 0 {
		return cp.pages[0]
	}
	index := int(offset>>mem.PGSHIFT) & (HPNRPAGES - 1)
	return cp.pages[index]
}

// Mark_cached_dirty marks the cached page owning pg dirty.
func Mark_cached_dirty(pg *Page_t) {
	cp := pg.private
	if cp == nil {
		panic("dirty mark on uncached page")
	}
	cp.Flags |= CPF_DIRTY
}

type addrspace_t struct {
	treelock sync.Mutex
	pages    *avl.Tree_t[*Cachedpage_t]
	nrpages  int
}

func mkaddrspace() *addrspace_t {
	return &addrspace_t{
		pages: avl.Mktree(func(cp *Cachedpage_t) uintptr { return cp.Offset }),
	}
}

var filecaches [FILEMAX]*addrspace_t
var hostmemcache *addrspace_t

// Page_cache_init resets the per-fd caches. Called at boot.
func Page_cache_init() {
	hostmemcache = mkaddrspace()
	for i := range filecaches {
		filecaches[i] = mkaddrspace()
	}
}

func cachebyfd(fd int) *addrspace_t {
	if fd == defs.FD_HOST_MEM {
		return hostmemcache
	}
	if fd < 0 || fd >= FILEMAX {
		return nil
	}
	return filecaches[fd]
}

// Find_cached_page returns the cached page at (fd, offset), or nil.
// With lock set the page is returned locked, and the lookup is retried
// against the offset after the lock is taken so a concurrent reuse is
// never returned.
func Find_cached_page(fd int, offset uintptr, lock bool) *Cachedpage_t {
	cache := cachebyfd(fd)
	if cache == nil {
		return nil
	}

	cache.treelock.Lock()
	cp, ok := cache.pages.Lookup(offset)
	cache.treelock.Unlock()

	if !ok {
		return nil
	}

	if lock {
		Lock_cached_page(cp)
		if cp.Offset != offset {
			Unlock_cached_page(cp)
			return nil
		}
	}

	return cp
}

// Page_cache_add builds a cached page owning the frames at phys and
// inserts it. On success the page is returned locked. On a collision
// the argument frames are left untouched and EEXIST is returned so the
// caller can free them and retry the lookup.
func Page_cache_add(fd int, offset uintptr, phys mem.Pa_t, huge bool) (*Cachedpage_t, int) {
	cache := cachebyfd(fd)
	if cache == nil {
		return nil, int(defs.EINVAL)
	}

	n := 1
	if huge {
		n = HPNRPAGES
	}

	var pages [HPNRPAGES]*Page_t
	for i := 0; i < n; i++ {
		pages[i] = Page_new(phys + mem.Pa_t(i*mem.PGSIZE))
		pages[i].Flags |= PFF_INCACHE
	}

	cp := &Cachedpage_t{
		lock:   Mkmutex(),
		Fd:     fd,
		Offset: offset,
	}
	if huge {
		cp.Flags |= CPF_HUGEPAGE
	}

	for i := 0; i < n; i++ {
		cp.pages[i] = pages[i]
		pages[i].private = cp
		pages[i].refcount++
	}

	Lock_cached_page(cp)

	cache.treelock.Lock()
	if _, ok := cache.pages.Lookup(offset); ok {
		cache.treelock.Unlock()
		return nil, int(defs.EEXIST)
	}
	cache.pages.Insert(cp)
	cache.nrpages++
	cache.treelock.Unlock()

	return cp, 0
}

// pagevec_lookup_range collects up to nr cached pages tagged with tag
// in [*offset, end), advancing the cursor past the last returned page.
func pagevec_lookup_range(cache *addrspace_t, offset *uintptr, end uintptr,
	tag int, pages []*Cachedpage_t) int {
	if len(pages) == 0 {
		return 0
	}

	ret := 0
	cache.treelock.Lock()
	key := *offset
	for {
		cp, ok := cache.pages.Ceil(key)
		if !ok || cp.Offset >= end {
			break
		}
		key = cp.Offset + 1
		if cp.Flags&tag == 0 {
			continue
		}
		pages[ret] = cp
		ret++
		if ret == len(pages) {
			*offset = cp.Offset + uintptr(cp.Pagecount()*mem.PGSIZE)
			cache.treelock.Unlock()
			return ret
		}
	}
	*offset = end
	cache.treelock.Unlock()
	return ret
}

// Page_cache_sync_range writes back every dirty cached page of fd in
// [start, end) in offset order, yielding the cpu between pages. A write
// error aborts the scan and is returned.
func Page_cache_sync_range(fd int, start, end uintptr) int {
	cache := cachebyfd(fd)
	if cache == nil {
		return int(defs.EINVAL)
	}
	if cache.nrpages == 0 {
		return 0
	}

	var pvec [16]*Cachedpage_t
	index := start

	for index < end {
		n := pagevec_lookup_range(cache, &index, end, CPF_DIRTY, pvec[:])
		if n == 0 {
			break
		}

		for i := 0; i < n; i++ {
			cp := pvec[i]

			Lock_cached_page(cp)

			// page changed while unlocked
			if cp.Flags&CPF_DIRTY == 0 || cp.Offset < start || cp.Offset >= end {
				Unlock_cached_page(cp)
				continue
			}

			size := cp.Pagecount() * mem.PGSIZE
			err := Spuwrite(fd, cp.pages[0].Phys, size, cp.Offset)
			if err < 0 {
				Unlock_cached_page(cp)
				return -err
			}

			for j := 0; j < cp.Pagecount(); j++ {
				cp.pages[j].Flags &^= PFF_DIRTY
			}
			cp.Flags &^= CPF_DIRTY
			stats.K.Writeback.Inc()

			Unlock_cached_page(cp)
		}

		Yield()
	}

	return 0
}

// Cache_nrpages reports how many cached pages fd holds.
func Cache_nrpages(fd int) int {
	cache := cachebyfd(fd)
	if cache == nil {
		return 0
	}
	cache.treelock.Lock()
	defer cache.treelock.Unlock()
	return cache.nrpages
}
