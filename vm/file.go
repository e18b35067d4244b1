package vm

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/stats"
import "github.com/nobodyknowsthat/storpu/util"

// Fileops is the file-backed back-end: pages come from the page cache,
// cache misses read through the FTL, and dirty shared pages are written
// back by msync.
var Fileops Regops_i = &fileops_t{}

type fileops_t struct{}

func (f *fileops_t) Ptflags(vr *Region_t) int {
	return 0
}

func faultdirtyshared(vr *Region_t, pr *Physreg_t) {
	if vr.Flags&RF_MAPSHARED == 0 {
		panic("dirty on private mapping")
	}
	if pr.Page.Phys == mem.Pnone {
		panic("dirty on unresolved page")
	}

	pg := pr.Page
	pg.Flags |= PFF_DIRTY

	if pg.Flags&PFF_INCACHE != 0 {
		Mark_cached_dirty(pg)
	}
}

func (f *fileops_t) Pagefault(ctx *Ctx_t, vr *Region_t, pr *Physreg_t, flags int) int {
	fd := vr.file.fd

	if pr.Page.refcount <= 0 {
		panic("fault on dead page")
	}
	if !vr.file.inited || fd == -1 {
		return int(defs.EFAULT)
	}

	if pr.Page.Phys == mem.Pnone {
		fdoffset := vr.file.offset + pr.Offset

		// flash pages promote to huge cache lines
		usehuge := fd != defs.FD_HOST_MEM
		allocsize := mem.PGSIZE
		if usehuge {
			allocsize = HUGEPGSIZE
		}

		refoffset := util.Rounddown(fdoffset, uintptr(allocsize))

		var cp *Cachedpage_t
		for {
			cp = Find_cached_page(fd, refoffset, true)
			if cp != nil {
				stats.K.Cachehit.Inc()
				break
			}

			// must block to read through the FTL
			if flags&defs.FAULT_FLAG_INTERRUPTIBLE == 0 || Spuread == nil {
				return int(defs.EFAULT)
			}

			bufphys, ok := mem.Physmem.Alloc_pages(allocsize>>mem.PGSHIFT, defs.ZONE_PS_DDR)
			if !ok {
				return int(defs.ENOMEM)
			}

			nbytes := Spuread(fd, bufphys, allocsize, refoffset)
			if nbytes != allocsize {
				mem.Physmem.Free_mem(bufphys, allocsize)
				return int(defs.EFAULT)
			}

			var r int
			cp, r = Page_cache_add(fd, refoffset, bufphys, usehuge)
			if r != 0 {
				mem.Physmem.Free_mem(bufphys, allocsize)
				if r == int(defs.EEXIST) {
					continue
				}
				return r
			}
			stats.K.Cachemiss.Inc()
			break
		}

		// swap the placeholder page for the cached one
		Page_unreference(vr, pr, false)
		Page_link(pr, Find_subpage(cp, fdoffset), pr.Offset, vr)

		Unlock_cached_page(cp)

		if flags&defs.FAULT_FLAG_WRITE != 0 && vr.Flags&RF_MAPSHARED != 0 {
			faultdirtyshared(vr, pr)
		}

		return 0
	}

	if flags&defs.FAULT_FLAG_WRITE != 0 && vr.Flags&RF_MAPSHARED != 0 {
		faultdirtyshared(vr, pr)
		return 0
	}

	// copy-on-write of private file pages is not implemented
	return int(defs.EINVAL)
}

func (f *fileops_t) Writable(pr *Physreg_t) bool {
	vr := pr.Parent
	if vr.Flags&RF_MAPSHARED != 0 {
		return vr.Flags&RF_WRITE != 0 && pr.Page.Flags&PFF_DIRTY != 0
	}
	return false
}

func (f *fileops_t) Unreference(pr *Physreg_t) int {
	if pr.Page.refcount != 0 {
		panic("unreference of live page")
	}
	if pr.Page.Phys != mem.Pnone && pr.Page.Flags&PFF_INCACHE == 0 {
		mem.Physmem.Free_mem(pr.Page.Phys, mem.PGSIZE)
	}
	return 0
}

func (f *fileops_t) Split(ctx *Ctx_t, vr, r1, r2 *Region_t) {
	if !vr.file.inited || r1.file.inited || r2.file.inited {
		panic("bad file split state")
	}
	if r1.Length+r2.Length != vr.Length {
		panic("split length mismatch")
	}

	r1.file = vr.file
	r2.file = vr.file
	r2.file.offset += r1.Length
}

func (f *fileops_t) Shrinklow(vr *Region_t, l uintptr) int {
	if !vr.file.inited {
		panic("shrink of uninited file region")
	}
	vr.file.offset += l
	return 0
}

func (f *fileops_t) Syncrange(vr *Region_t, start, end uintptr) int {
	if !vr.file.inited || vr.file.fd == -1 {
		panic("sync of uninited file region")
	}
	if start > end {
		panic("bad sync range")
	}
	return Page_cache_sync_range(vr.file.fd, vr.file.offset+start, vr.file.offset+end)
}

func (f *fileops_t) Delete(vr *Region_t) {
	if !vr.file.inited {
		return
	}
	vr.file.fd = -1
	vr.file.inited = false
}

// File_map_set_file binds a mapped file region to (fd, offset).
func File_map_set_file(ctx *Ctx_t, vr *Region_t, fd int, offset uintptr) int {
	if vr.file.inited {
		panic("file region already bound")
	}
	vr.file.fd = fd
	vr.file.offset = offset
	vr.file.inited = true
	return 0
}
