package vm

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"

// Anonops is the zero-fill anonymous back-end.
var Anonops Regops_i = &anonops_t{}

type anonops_t struct{}

func (a *anonops_t) Shrinklow(vr *Region_t, l uintptr) int {
	return 0
}

func (a *anonops_t) Resize(ctx *Ctx_t, vr *Region_t, newlen uintptr) int {
	if vr.Length >= newlen {
		return 0
	}
	if vr.Flags&RF_ANON == 0 {
		panic("resize of non-anon region")
	}
	if newlen%uintptr(mem.PGSIZE) != 0 {
		panic("unaligned resize")
	}
	vr.Length = newlen
	return 0
}

func (a *anonops_t) Split(ctx *Ctx_t, vr, r1, r2 *Region_t) {
}

func (a *anonops_t) Pagefault(ctx *Ctx_t, vr *Region_t, pr *Physreg_t, flags int) int {
	if pr.Page.refcount <= 0 {
		panic("fault on dead page")
	}

	newpa, ok := mem.Physmem.Alloc_pages(1, defs.ZONE_PS_DDR)
	if !ok {
		return int(defs.ENOMEM)
	}

	if vr.Flags&RF_UNINITIALIZED == 0 {
		mem.Physmem.Zero(newpa, mem.PGSIZE)
	}

	if pr.Page.Phys == mem.Pnone {
		pr.Page.Phys = newpa
		return 0
	}

	if pr.Page.refcount < 2 || flags&defs.FAULT_FLAG_WRITE == 0 {
		mem.Physmem.Free_mem(newpa, mem.PGSIZE)
		return 0
	}

	// copy-on-write for shared anonymous pages is not implemented
	mem.Physmem.Free_mem(newpa, mem.PGSIZE)
	return int(defs.EINVAL)
}

func (a *anonops_t) Writable(pr *Physreg_t) bool {
	if pr.Page.refcount <= 0 {
		panic("writable check on dead page")
	}
	if pr.Page.Phys == mem.Pnone {
		return false
	}
	return pr.Page.refcount == 1
}

func (a *anonops_t) Unreference(pr *Physreg_t) int {
	if pr.Page.refcount != 0 {
		panic("unreference of live page")
	}
	if pr.Page.Phys != mem.Pnone {
		mem.Physmem.Free_mem(pr.Page.Phys, mem.PGSIZE)
	}
	return 0
}
