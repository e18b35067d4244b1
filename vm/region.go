package vm

import "container/list"

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/util"

// Map region flags.
const MRF_PREALLOC = 0x01

// Regops_i is the per-back-end policy of a region. The optional hooks
// (New, Delete, Ptflags, Resize, Shrinklow, Split, Syncrange) are
// discovered by interface assertion; a back-end that lacks one simply
// does not support the operation.
type Regops_i interface {
	Pagefault(ctx *Ctx_t, vr *Region_t, pr *Physreg_t, flags int) int
	Writable(pr *Physreg_t) bool
	Unreference(pr *Physreg_t) int
}

type newer_i interface {
	New(vr *Region_t) int
}

type deleter_i interface {
	Delete(vr *Region_t)
}

type ptflagser_i interface {
	Ptflags(vr *Region_t) int
}

type resizer_i interface {
	Resize(ctx *Ctx_t, vr *Region_t, newlen uintptr) int
}

type shrinker_i interface {
	Shrinklow(vr *Region_t, l uintptr) int
}

type splitter_i interface {
	Split(ctx *Ctx_t, vr, r1, r2 *Region_t)
}

type syncer_i interface {
	Syncrange(vr *Region_t, start, end uintptr) int
}

// Region_t is a contiguous, protected interval of a context's virtual
// address space. The PR table is dense, indexed by offset >> PGSHIFT.
type Region_t struct {
	ctx    *Ctx_t
	Va     uintptr
	Length uintptr
	Flags  int
	prs    []*Physreg_t
	rops   Regops_i
	listel *list.Element

	file struct {
		fd     int
		offset uintptr
		inited bool
	}
}

func physslot(off uintptr) int {
	if off%uintptr(mem.PGSIZE) != 0 {
		panic("unaligned region offset")
	}
	return int(off >> mem.PGSHIFT)
}

// Phys_get returns the phys region at the given offset, or nil.
func (vr *Region_t) Phys_get(off uintptr) *Physreg_t {
	if off >= vr.Length {
		panic("offset beyond region")
	}
	pr := vr.prs[physslot(off)]
	if pr != nil && pr.Offset != off {
		panic("pr offset mismatch")
	}
	return pr
}

// Phys_set installs or clears the phys region slot at off, keeping the
// context's mapped-byte accounting in sync.
func (vr *Region_t) Phys_set(off uintptr, pr *Physreg_t) {
	if off >= vr.Length {
		panic("offset beyond region")
	}
	i := physslot(off)
	if pr != nil {
		if vr.prs[i] != nil {
			panic("pr slot occupied")
		}
		if pr.Offset != off {
			panic("pr offset mismatch")
		}
		vr.ctx.Vmtotal += uintptr(mem.PGSIZE)
	} else {
		if vr.prs[i] == nil {
			panic("pr slot already empty")
		}
		vr.ctx.Vmtotal -= uintptr(mem.PGSIZE)
	}
	vr.prs[i] = pr
}

func (vr *Region_t) resizeprs(newlen uintptr) {
	slots := physslot(newlen)
	if slots <= len(vr.prs) {
		vr.prs = vr.prs[:slots]
		return
	}
	nprs := make([]*Physreg_t, slots)
	copy(nprs, vr.prs)
	vr.prs = nprs
}

// Region_new builds an unlinked region.
func Region_new(ctx *Ctx_t, base uintptr, length uintptr, flags int, rops Regops_i) *Region_t {
	vr := &Region_t{
		ctx:    ctx,
		Va:     base,
		Length: length,
		Flags:  flags,
		rops:   rops,
		prs:    make([]*Physreg_t, physslot(length)),
	}
	vr.file.fd = -1
	return vr
}

const freefailed = ^uintptr(0)

// regionfindfree searches downward from maxv (or the stack top) for a
// free gap of the requested length, preferring gaps that leave a guard
// page on each side.
func regionfindfree(ctx *Ctx_t, minv, maxv uintptr, length uintptr) uintptr {
	pg := uintptr(mem.PGSIZE)
	if maxv == 0 {
		maxv = minv + length
	}
	if minv+length > maxv {
		return freefailed
	}

	found := false
	var vaddr uintptr

	tryalloc := func(start, end uintptr) {
		rstart := util.Max(start, minv)
		rend := util.Min(end, maxv)
		if rend > rstart && rend-rstart >= length {
			vaddr = rend - length
			found = true
		}
	}
	alloc := func(start, end uintptr) {
		if end >= pg {
			tryalloc(start+pg, end-pg)
		}
		if !found {
			tryalloc(start, end)
		}
	}

	cur, ok := ctx.memavl.Ceil(maxv)
	if !ok {
		below, bok := ctx.memavl.Floor(maxv - 1)
		start := VUSERSTART
		if bok {
			start = below.Va + below.Length
		}
		alloc(start, VSTACKTOP)
		if bok {
			cur = below
		} else {
			cur = nil
		}
	}

	for !found && cur != nil {
		next, nok := ctx.memavl.Prev(cur.Va)
		start := VUSERSTART
		if nok {
			start = next.Va + next.Length
		}
		alloc(start, cur.Va)
		if nok {
			cur = next
		} else {
			cur = nil
		}
	}

	if !found {
		return freefailed
	}
	return vaddr
}

// Region_map creates, initializes, optionally pre-populates, and links
// a region into the context. Returns the region or a positive errno.
func Region_map(ctx *Ctx_t, minv, maxv uintptr, length uintptr, flags int,
	mapflags int, rops Regops_i) (*Region_t, int) {
	startv := regionfindfree(ctx, minv, maxv, length)
	if startv == freefailed {
		return nil, int(defs.ENOMEM)
	}

	vr := Region_new(ctx, startv, length, flags, rops)

	if n, ok := rops.(newer_i); ok {
		if r := n.New(vr); r != 0 {
			Region_free(vr)
			return nil, r
		}
	}

	if mapflags&MRF_PREALLOC != 0 {
		if r := Region_handle_memory(ctx, vr, 0, length, defs.FAULT_FLAG_WRITE); r != 0 {
			Region_free(vr)
			return nil, r
		}
	}

	vr.Flags &^= RF_UNINITIALIZED

	ctx.linkregion(vr)

	return vr, 0
}

// regionsplit divides vr into two fresh regions at the given length;
// the PR tables are rebuilt by re-referencing each page and the
// original region is destroyed.
func regionsplit(ctx *Ctx_t, vr *Region_t, l uintptr) (*Region_t, *Region_t, int) {
	sp, ok := vr.rops.(splitter_i)
	if !ok {
		return nil, nil, int(defs.EINVAL)
	}

	remlen := vr.Length - l
	if l%uintptr(mem.PGSIZE) != 0 || remlen%uintptr(mem.PGSIZE) != 0 {
		panic("unaligned split")
	}

	vr1 := Region_new(ctx, vr.Va, l, vr.Flags, vr.rops)
	vr2 := Region_new(ctx, vr.Va+l, remlen, vr.Flags, vr.rops)

	for off := uintptr(0); off < vr1.Length; off += uintptr(mem.PGSIZE) {
		pr := vr.Phys_get(off)
		if pr == nil {
			continue
		}
		Page_reference(pr.Page, off, vr1, pr.Rops)
	}
	for off := uintptr(0); off < vr2.Length; off += uintptr(mem.PGSIZE) {
		pr := vr.Phys_get(l + off)
		if pr == nil {
			continue
		}
		Page_reference(pr.Page, off, vr2, pr.Rops)
	}

	sp.Split(ctx, vr, vr1, vr2)

	ctx.unlinkregion(vr)
	Region_free(vr)

	ctx.linkregion(vr1)
	ctx.linkregion(vr2)

	return vr1, vr2, 0
}

func regionsubfree(vr *Region_t, start, l uintptr) {
	end := start + l
	for off := start; off < end; off += uintptr(mem.PGSIZE) {
		pr := vr.Phys_get(off)
		if pr == nil {
			continue
		}
		if pr.Offset < start || pr.Offset >= end {
			panic("pr outside range")
		}
		Page_unreference(vr, pr, true)
	}
}

// regionunmap removes [offset, offset+l) from vr, destroying, shrinking
// or trimming the region as needed, and clears the covered PGD range.
func regionunmap(ctx *Ctx_t, vr *Region_t, offset uintptr, l uintptr) int {
	if offset+l > vr.Length {
		panic("unmap beyond region")
	}
	if l%uintptr(mem.PGSIZE) != 0 {
		panic("unaligned unmap length")
	}

	regionsubfree(vr, offset, l)

	unmapstart := vr.Va + offset
	freeslots := physslot(l)

	if l == vr.Length {
		ctx.unlinkregion(vr)
		Region_free(vr)
	} else if offset == 0 {
		sh, ok := vr.rops.(shrinker_i)
		if !ok {
			return int(defs.EINVAL)
		}
		if sh.Shrinklow(vr, l) != 0 {
			return int(defs.EINVAL)
		}

		ctx.unlinkregion(vr)

		vr.Va += l

		newslots := physslot(vr.Length - l)
		if newslots == 0 {
			panic("empty region after shrink")
		}

		for voff := l; voff < vr.Length; voff += uintptr(mem.PGSIZE) {
			pr := vr.Phys_get(voff)
			if pr == nil {
				continue
			}
			pr.Offset -= l
		}
		copy(vr.prs, vr.prs[freeslots:])
		vr.prs = vr.prs[:newslots]
		vr.Length -= l

		ctx.linkregion(vr)
	} else if offset+l == vr.Length {
		vr.resizeprs(vr.Length - l)
		vr.Length -= l
	}

	ctx.pgdlock.Lock()
	ctx.pgd.Unmap_range(unmapstart, l)
	ctx.pgdlock.Unlock()

	return 0
}

// Region_unmap_range unmaps [start, start+l) across every region it
// touches, splitting regions that straddle a boundary.
func Region_unmap_range(ctx *Ctx_t, start uintptr, l uintptr) int {
	pg := uintptr(mem.PGSIZE)
	off := start % pg
	start -= off
	l = util.Roundup(l+off, pg)
	limit := start + l

	vr, ok := ctx.memavl.Floor(start)
	if !ok {
		vr, ok = ctx.memavl.Ceil(start)
		if !ok {
			return 0
		}
	}

	for vr != nil && vr.Va < limit {
		var nextva uintptr
		next, nok := ctx.memavl.Next(vr.Va)
		if nok {
			nextva = next.Va
		}

		curstart := util.Max(start, vr.Va)
		curlimit := util.Min(limit, vr.Va+vr.Length)
		if curstart < curlimit {
			if curstart > vr.Va && curlimit < vr.Va+vr.Length {
				v1, _, r := regionsplit(ctx, vr, curlimit-vr.Va)
				if r != 0 {
					return r
				}
				vr = v1
			}

			if r := regionunmap(ctx, vr, curstart-vr.Va, curlimit-curstart); r != 0 {
				return r
			}
		}

		if !nok {
			break
		}
		vr, ok = ctx.memavl.Ceil(nextva)
		if !ok {
			break
		}
	}

	return 0
}

// Region_free destroys an unlinked region: every PR is unreferenced,
// the back-end delete hook runs, and the PR table is dropped.
func Region_free(vr *Region_t) int {
	regionsubfree(vr, 0, vr.Length)
	if d, ok := vr.rops.(deleter_i); ok {
		d.Delete(vr)
	}
	vr.prs = nil
	return 0
}

func (vr *Region_t) pageprot(pr *Physreg_t) int {
	fl := 0
	if vr.Flags&RF_EXEC != 0 {
		fl |= PTE_X
	}
	if vr.Flags&RF_WRITE != 0 && pr.Rops.Writable(pr) {
		fl |= PTE_W
	}
	if pf, ok := vr.rops.(ptflagser_i); ok {
		fl |= pf.Ptflags(vr)
	}
	if vr.Flags&RF_IO != 0 {
		fl |= PTE_NC
	}
	return fl
}

// Region_write_map_page installs the PGD entry for one resolved PR.
func Region_write_map_page(ctx *Ctx_t, vr *Region_t, pr *Physreg_t) int {
	pg := pr.Page
	if pg == nil || pg.refcount == 0 {
		panic("mapping dead page")
	}
	prot := vr.pageprot(pr)

	ctx.pgdlock.Lock()
	r := ctx.pgd.Writemap(vr.Va+pr.Offset, pg.Phys, mem.PGSIZE, prot)
	ctx.pgdlock.Unlock()
	if r != 0 {
		return int(defs.ENOMEM)
	}
	return 0
}

// Region_write_map_range re-installs PGD entries for every resolved PR
// in [start, end); msync uses it to re-arm dirty detection.
func Region_write_map_range(ctx *Ctx_t, vr *Region_t, start, end uintptr) int {
	if start >= end || end > vr.Length || start%uintptr(mem.PGSIZE) != 0 {
		panic("bad write map range")
	}
	for off := start; off < end; off += uintptr(mem.PGSIZE) {
		pr := vr.Phys_get(off)
		if pr == nil {
			continue
		}
		if r := Region_write_map_page(ctx, vr, pr); r != 0 {
			return r
		}
	}
	return 0
}

// Region_handle_pf resolves a fault at the given region offset: ensure
// a PR exists, run the back-end fault policy on a read fault, when the
// page is absent, or when a write hits a non-writable page, then map
// the result.
func Region_handle_pf(ctx *Ctx_t, vr *Region_t, offset uintptr, flags int) int {
	offset = util.Rounddown(offset, uintptr(mem.PGSIZE))

	if offset >= vr.Length {
		panic("fault offset beyond region")
	}
	if flags&defs.FAULT_FLAG_WRITE != 0 && vr.Flags&RF_WRITE == 0 {
		panic("write fault on read-only region")
	}

	pr := vr.Phys_get(offset)
	if pr == nil {
		pg := Page_new(mem.Pnone)
		pr = Page_reference(pg, offset, vr, vr.rops)
	}

	if flags&defs.FAULT_FLAG_WRITE == 0 || !pr.Rops.Writable(pr) ||
		pr.Page.Phys == mem.Pnone {
		ret := pr.Rops.Pagefault(ctx, vr, pr, flags)
		if ret != 0 {
			Page_unreference(vr, pr, true)
			return ret
		}
		if pr.Page == nil || pr.Page.Phys == mem.Pnone {
			panic("fault left page unresolved")
		}
	}

	return Region_write_map_page(ctx, vr, pr)
}

// Region_handle_memory faults in [offset, offset+l).
func Region_handle_memory(ctx *Ctx_t, vr *Region_t, offset uintptr, l uintptr, flags int) int {
	end := offset + l
	if l == 0 || end <= offset {
		panic("bad populate range")
	}
	for off := offset; off < end; off += uintptr(mem.PGSIZE) {
		if r := Region_handle_pf(ctx, vr, off, flags); r != 0 {
			return r
		}
	}
	return 0
}

// Region_extend_up_to grows the data region whose end is closest below
// addr, resizing it when the back-end allows or mapping a fresh
// anonymous region in the gap otherwise.
func Region_extend_up_to(ctx *Ctx_t, addr uintptr) int {
	addr = util.Roundup(addr, uintptr(mem.PGSIZE))

	var rb *Region_t
	offset := ^uintptr(0)
	for el := ctx.regions.Front(); el != nil; el = el.Next() {
		vr := el.Value.(*Region_t)
		if addr >= vr.Va && addr <= vr.Va+vr.Length {
			return 0
		}
		if addr < vr.Va {
			continue
		}
		roff := addr - vr.Va
		if roff < offset {
			offset = roff
			rb = vr
		}
	}

	if rb == nil {
		return int(defs.EINVAL)
	}

	limit := rb.Va + rb.Length
	extra := addr - limit

	rs, ok := rb.rops.(resizer_i)
	if !ok {
		_, r := Region_map(ctx, limit, 0, extra, RF_READ|RF_WRITE|RF_ANON, 0, Anonops)
		return r
	}

	rb.resizeprs(addr - rb.Va)
	return rs.Resize(ctx, rb, addr-rb.Va)
}

// Region_lookup returns the region covering addr.
func Region_lookup(ctx *Ctx_t, addr uintptr) *Region_t {
	vr, ok := ctx.memavl.Floor(addr)
	if !ok || addr >= vr.Va+vr.Length {
		return nil
	}
	return vr
}

// Prot_to_rf converts mmap protection bits into region flags.
func Prot_to_rf(prot int) int {
	fl := 0
	if prot&defs.PROT_READ != 0 {
		fl |= RF_READ
	}
	if prot&defs.PROT_WRITE != 0 {
		fl |= RF_WRITE
	}
	if prot&defs.PROT_EXEC != 0 {
		fl |= RF_EXEC
	}
	return fl
}
