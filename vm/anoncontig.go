package vm

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"

// Anoncontigops is the physically-contiguous anonymous back-end. The
// whole run is allocated and zeroed at creation; mapping is still lazy
// but a real fault after creation is a programming error.
var Anoncontigops Regops_i = &anoncontigops_t{}

type anoncontigops_t struct{}

func (a *anoncontigops_t) Ptflags(vr *Region_t) int {
	return 0
}

func (a *anoncontigops_t) Resize(ctx *Ctx_t, vr *Region_t, newlen uintptr) int {
	return int(defs.ENOMEM)
}

func (a *anoncontigops_t) New(vr *Region_t) int {
	pages := int(vr.Length >> mem.PGSHIFT)
	if pages <= 0 {
		panic("empty contig region")
	}

	for i := 0; i < pages; i++ {
		pg := Page_new(mem.Pnone)
		Page_reference(pg, uintptr(i)<<mem.PGSHIFT, vr, Anoncontigops)
	}

	newpa, ok := mem.Physmem.Alloc_pages(pages, defs.ZONE_PS_DDR)
	if !ok {
		return int(defs.ENOMEM)
	}

	for i := 0; i < pages; i++ {
		pr := vr.Phys_get(uintptr(i) << mem.PGSHIFT)
		if pr == nil || pr.Page.Phys != mem.Pnone {
			panic("contig pr in bad state")
		}
		mem.Physmem.Zero(newpa+mem.Pa_t(pr.Offset), mem.PGSIZE)
		pr.Page.Phys = newpa + mem.Pa_t(pr.Offset)
	}

	return 0
}

func (a *anoncontigops_t) Pagefault(ctx *Ctx_t, vr *Region_t, pr *Physreg_t, flags int) int {
	panic("page fault in anonymous contiguous mapping")
}

func (a *anoncontigops_t) Writable(pr *Physreg_t) bool {
	return Anonops.Writable(pr)
}

func (a *anoncontigops_t) Unreference(pr *Physreg_t) int {
	return Anonops.Unreference(pr)
}
