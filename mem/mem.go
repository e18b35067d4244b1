// Package mem implements the zoned physical page frame allocator and
// the direct map. Physical memory is carved into labeled zones; callers
// request runs of contiguous 4 KiB frames with a zone mask. Frames are
// backed by per-zone arenas and physical addresses are offsets into a
// single synthetic physical range, so Dmap stays a constant-time slice.
package mem

import "fmt"
import "sync"

import "github.com/nobodyknowsthat/storpu/bitmap"
import "github.com/nobodyknowsthat/storpu/defs"

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page frame in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t represents a physical address.
type Pa_t uintptr

// Pnone is the "no frame" sentinel carried by pages that have not been
// resolved yet.
const Pnone Pa_t = ^Pa_t(0)

// Zonecfg_t sizes one memory zone at boot.
type Zonecfg_t struct {
	Zone   int
	Npages int
}

type zone_t struct {
	zone   int
	base   Pa_t
	npages int
	arena  []uint8
	free   []bitmap.Bitchunk_t
	nfree  int
}

func (z *zone_t) end() Pa_t {
	return z.base + Pa_t(z.npages*PGSIZE)
}

// Physmem_t manages all physical memory for the runtime. Accounting is
// per frame: a contiguous run may be released in smaller pieces as long
// as every frame in the range was allocated.
type Physmem_t struct {
	sync.Mutex
	zones    []*zone_t
	Dmapinit bool
}

// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

// Phys_init initializes the global allocator with the given zones. The
// first frame of the physical range is reserved so that address 0 never
// names a valid frame.
func Phys_init(cfgs []Zonecfg_t) *Physmem_t {
	phys := &Physmem_t{}
	base := Pa_t(PGSIZE)
	total := 0
	for _, cfg := range cfgs {
		if cfg.Npages <= 0 {
			panic("bad zone size")
		}
		z := &zone_t{
			zone:   cfg.Zone,
			base:   base,
			npages: cfg.Npages,
			arena:  make([]uint8, cfg.Npages*PGSIZE),
			free:   make([]bitmap.Bitchunk_t, bitmap.Bitchunks(cfg.Npages)),
			nfree:  cfg.Npages,
		}
		phys.zones = append(phys.zones, z)
		base = z.end()
		total += cfg.Npages
	}
	phys.Dmapinit = true
	*Physmem = *phys
	return Physmem
}

// Mkdefaultzones returns the standard boot zone layout.
func Mkdefaultzones(npages int) []Zonecfg_t {
	return []Zonecfg_t{
		{Zone: defs.MEMZONE_PS_DDR_HIGH, Npages: npages},
		{Zone: defs.MEMZONE_PS_DDR_LOW, Npages: npages / 4},
		{Zone: defs.MEMZONE_PL_DDR, Npages: npages / 4},
	}
}

func (phys *Physmem_t) zonefor(pa Pa_t) *zone_t {
	for _, z := range phys.zones {
		if pa >= z.base && pa < z.end() {
			return z
		}
	}
	panic(fmt.Sprintf("no zone for %#x", uintptr(pa)))
}

// find a run of n free frames in z; returns the first frame index.
func (z *zone_t) findrun(n int) (int, bool) {
	i := 0
	for {
		i = bitmap.Find_next_zero_bit(z.free, z.npages, i)
		if i+n > z.npages {
			return 0, false
		}
		run := 1
		for run < n && !bitmap.Get(z.free, i+run) {
			run++
		}
		if run == n {
			return i, true
		}
		i += run
	}
}

// Alloc_pages allocates n physically contiguous frames from any zone
// allowed by zonemask. It is safe to call from any core.
func (phys *Physmem_t) Alloc_pages(n int, zonemask int) (Pa_t, bool) {
	if !phys.Dmapinit {
		panic("phys not initted")
	}
	if n <= 0 {
		panic("bad page count")
	}
	phys.Lock()
	defer phys.Unlock()

	for _, z := range phys.zones {
		if zonemask&(1<<z.zone) == 0 || z.nfree < n {
			continue
		}
		idx, ok := z.findrun(n)
		if !ok {
			continue
		}
		for i := 0; i < n; i++ {
			bitmap.Set(z.free, idx+i)
		}
		z.nfree -= n
		return z.base + Pa_t(idx*PGSIZE), true
	}
	return 0, false
}

// Free_mem releases l bytes of previously allocated frames at pa.
func (phys *Physmem_t) Free_mem(pa Pa_t, l int) {
	if pa&PGOFFSET != 0 || l%PGSIZE != 0 || l <= 0 {
		panic("bad free")
	}
	phys.Lock()
	defer phys.Unlock()

	z := phys.zonefor(pa)
	idx := int((pa - z.base) >> PGSHIFT)
	n := l / PGSIZE
	for i := 0; i < n; i++ {
		if !bitmap.Get(z.free, idx+i) {
			panic("double free")
		}
		bitmap.Unset(z.free, idx+i)
	}
	z.nfree += n
}

// Alloc_vmpages allocates n contiguous frames and returns the mapped
// byte slice along with the physical base.
func (phys *Physmem_t) Alloc_vmpages(n int, zonemask int) ([]uint8, Pa_t, bool) {
	pa, ok := phys.Alloc_pages(n, zonemask)
	if !ok {
		return nil, 0, false
	}
	return phys.Dmap(pa, n*PGSIZE), pa, true
}

// Dmap returns a byte slice mapping l bytes of physical memory at pa.
// The range must not cross a zone boundary.
func (phys *Physmem_t) Dmap(pa Pa_t, l int) []uint8 {
	z := phys.zonefor(pa)
	off := int(pa - z.base)
	if off+l > len(z.arena) {
		panic("dmap crosses zone end")
	}
	return z.arena[off : off+l]
}

// Dmap8 returns a byte slice from pa to the end of its frame.
func (phys *Physmem_t) Dmap8(pa Pa_t) []uint8 {
	base := pa & PGMASK
	voff := int(pa & PGOFFSET)
	return phys.Dmap(base, PGSIZE)[voff:]
}

// Pgcount reports the number of free frames per zone.
func (phys *Physmem_t) Pgcount() []int {
	phys.Lock()
	defer phys.Unlock()
	var r []int
	for _, z := range phys.zones {
		r = append(r, z.nfree)
	}
	return r
}

// Allocated reports the total bytes currently handed out.
func (phys *Physmem_t) Allocated() int {
	phys.Lock()
	defer phys.Unlock()
	t := 0
	for _, z := range phys.zones {
		t += (z.npages - z.nfree) * PGSIZE
	}
	return t
}

// Zero clears l bytes of physical memory at pa.
func (phys *Physmem_t) Zero(pa Pa_t, l int) {
	b := phys.Dmap(pa, l)
	for i := range b {
		b[i] = 0
	}
}
