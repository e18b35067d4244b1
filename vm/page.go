package vm

import "github.com/nobodyknowsthat/storpu/mem"

// Page frame flags.
const (
	PFF_INCACHE = 0x1
	PFF_DIRTY   = 0x2
)

// Page_t is a page frame as seen by the VM: a (possibly unresolved)
// physical address, a reference count of the phys regions holding it,
// and a back link to its cached page when it lives in the page cache.
type Page_t struct {
	Phys     mem.Pa_t
	refcount int
	Flags    int
	private  *Cachedpage_t
	regions  []*Physreg_t
}

// Physreg_t records that a region offset has been populated with a
// page. The back link to the owning region is non-owning.
type Physreg_t struct {
	Page   *Page_t
	Parent *Region_t
	Offset uintptr
	Rops   Regops_i
}

// Page_new builds a page for the frame at phys, which may be Pnone for
// a page whose frame has not been resolved yet.
func Page_new(phys mem.Pa_t) *Page_t {
	if phys != mem.Pnone && phys&mem.PGOFFSET != 0 {
		panic("unaligned page")
	}
	return &Page_t{Phys: phys}
}

// Page_free releases the page's frame, if any.
func Page_free(pg *Page_t) {
	if pg.Phys != mem.Pnone {
		mem.Physmem.Free_mem(pg.Phys, mem.PGSIZE)
	}
}

// Page_link attaches pr to page without going through the region's PR
// table.
func Page_link(pr *Physreg_t, pg *Page_t, offset uintptr, parent *Region_t) {
	pr.Offset = offset
	pr.Page = pg
	pr.Parent = parent
	pg.regions = append(pg.regions, pr)
	pg.refcount++
}

// Page_reference creates a phys region for page at the given region
// offset and installs it in the region's PR table.
func Page_reference(pg *Page_t, offset uintptr, vr *Region_t, rops Regops_i) *Physreg_t {
	pr := &Physreg_t{Rops: rops}
	Page_link(pr, pg, offset, vr)
	vr.Phys_set(offset, pr)
	return pr
}

// Page_unreference drops pr's reference on its page. At refcount zero
// the back-end's unreference hook runs exactly once and the page is
// destroyed. When remove is set the PR table slot is cleared too.
func Page_unreference(vr *Region_t, pr *Physreg_t, remove bool) {
	pg := pr.Page
	if pg.refcount <= 0 {
		panic("page refcount underflow")
	}
	pg.refcount--

	for i, p := range pg.regions {
		if p == pr {
			pg.regions = append(pg.regions[:i], pg.regions[i+1:]...)
			break
		}
	}

	if pg.refcount == 0 {
		if len(pg.regions) != 0 {
			panic("page still referenced")
		}
		if pr.Rops.Unreference(pr) != 0 {
			panic("unreference hook failed")
		}
	}

	pr.Page = nil

	if remove {
		vr.Phys_set(pr.Offset, nil)
	}
}
