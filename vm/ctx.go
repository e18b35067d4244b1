package vm

import "container/list"
import "sync"
import "sync/atomic"

import "github.com/nobodyknowsthat/storpu/avl"
import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/idr"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/util"

// Ctx_t is a guest address space: a page directory, the region list and
// tree, and the reference count keeping it alive while the host or any
// thread still uses it.
type Ctx_t struct {
	Cid  defs.Cid_t
	kref atomic.Int32

	pgdlock sync.Mutex
	pgd     Pgd_t

	Mmaplock Mutex_i
	regions  *list.List
	memavl   *avl.Tree_t[*Region_t]

	Loadbase uintptr
	Textsz   uintptr
	Datasz   uintptr
	Vmtotal  uintptr

	img *Image_t
}

var ctxidr *idr.Idr_t
var ctxidrlock sync.Mutex
var curctx [defs.MAXCPUS]*Ctx_t

// Vm_init resets the context table and the page cache. Called at boot.
func Vm_init() {
	ctxidr = idr.Mkidr(64)
	for i := range curctx {
		curctx[i] = nil
	}
	Page_cache_init()
}

func (ctx *Ctx_t) linkregion(vr *Region_t) {
	vr.listel = ctx.regions.PushBack(vr)
	ctx.memavl.Insert(vr)
}

func (ctx *Ctx_t) unlinkregion(vr *Region_t) {
	ctx.regions.Remove(vr.listel)
	vr.listel = nil
	ctx.memavl.Delete(vr.Va)
}

// Create_context builds a fresh address space with a host reference and
// a cid installed in the context table.
func Create_context() (*Ctx_t, int) {
	ctx := &Ctx_t{
		pgd:      mkpgd(),
		Mmaplock: Mkmutex(),
		regions:  list.New(),
	}
	ctx.memavl = avl.Mktree(func(vr *Region_t) uintptr { return vr.Va })
	ctx.kref.Store(1)

	ctxidrlock.Lock()
	ctx.Cid = defs.Cid_t(ctxidr.Alloc(ctx))
	ctxidrlock.Unlock()

	return ctx, 0
}

// Find_get_context looks up a context by cid and takes a reference.
func Find_get_context(cid defs.Cid_t) *Ctx_t {
	ctxidrlock.Lock()
	defer ctxidrlock.Unlock()

	v, ok := ctxidr.Find(int32(cid))
	if !ok {
		return nil
	}
	ctx := v.(*Ctx_t)
	ctx.kref.Add(1)
	return ctx
}

// Get_context takes a reference on ctx.
func Get_context(ctx *Ctx_t) *Ctx_t {
	ctx.kref.Add(1)
	return ctx
}

func (ctx *Ctx_t) release() {
	for {
		el := ctx.regions.Front()
		if el == nil {
			break
		}
		vr := el.Value.(*Region_t)
		ctx.unlinkregion(vr)
		ctx.pgdlock.Lock()
		ctx.pgd.Unmap_range(vr.Va, vr.Length)
		ctx.pgdlock.Unlock()
		Region_free(vr)
	}
	ctx.pgd.Clear()
}

// Put_context drops a reference; the last one unmaps everything and
// frees the page directory.
func Put_context(ctx *Ctx_t) {
	c := ctx.kref.Add(-1)
	if c < 0 {
		panic("context refcount underflow")
	}
	if c == 0 {
		ctx.release()
	}
}

// Delete_context removes the host's cid and reference.
func Delete_context(ctx *Ctx_t) {
	ctxidrlock.Lock()
	ctxidr.Remove(int32(ctx.Cid))
	ctxidrlock.Unlock()

	Put_context(ctx)
}

// Switch_context installs ctx as cpu's address space, taking a
// reference on the new context and dropping the old one.
func Switch_context(cpu int, ctx *Ctx_t) {
	old := curctx[cpu]
	if old == ctx {
		return
	}
	if ctx != nil {
		curctx[cpu] = Get_context(ctx)
	} else {
		curctx[cpu] = nil
	}
	if old != nil {
		Put_context(old)
	}
}

// Current_context returns the context loaded on cpu.
func Current_context(cpu int) *Ctx_t {
	return curctx[cpu]
}

// mmapregion places one region, honoring a fixed or hinted address.
// Caller holds the mmap lock.
func mmapregion(ctx *Ctx_t, addr uintptr, mmapflags int, length uintptr,
	vrflags int, mrflags int, rops Regops_i) (*Region_t, int) {
	if length == 0 {
		return nil, int(defs.EINVAL)
	}
	length = util.Roundup(length, uintptr(mem.PGSIZE))

	// a fixed mapping first unmaps whatever it overlaps
	if addr != 0 && mmapflags&defs.MAP_FIXED != 0 {
		if r := Region_unmap_range(ctx, addr, length); r != 0 {
			return nil, r
		}
	}

	var vr *Region_t
	if addr != 0 || mmapflags&defs.MAP_FIXED != 0 {
		nvr, r := Region_map(ctx, addr, 0, length, vrflags, mrflags, rops)
		if nvr == nil && mmapflags&defs.MAP_FIXED != 0 {
			return nil, r
		}
		vr = nvr
	}

	if vr == nil {
		nvr, r := Region_map(ctx, VUSERSTART, VSTACKTOP, length, vrflags, mrflags, rops)
		if nvr == nil {
			return nil, r
		}
		vr = nvr
	}

	return vr, 0
}

// Vm_map builds a region per the mmap contract and returns the
// user-visible address or a positive errno.
func Vm_map(ctx *Ctx_t, addr uintptr, length uintptr, prot, flags, fd int,
	offset uintptr) (uintptr, int) {
	if length == 0 {
		return 0, int(defs.EINVAL)
	}

	share := flags & (defs.MAP_PRIVATE | defs.MAP_SHARED)
	if share == 0 || share == (defs.MAP_PRIVATE|defs.MAP_SHARED) {
		return 0, int(defs.EINVAL)
	}
	if flags&defs.MAP_FIXED != 0 && addr%uintptr(mem.PGSIZE) != 0 {
		return 0, int(defs.EINVAL)
	}

	if fd == -1 || flags&defs.MAP_ANONYMOUS != 0 {
		if fd != -1 {
			return 0, int(defs.EINVAL)
		}
		if flags&(defs.MAP_CONTIG|defs.MAP_POPULATE) == defs.MAP_CONTIG {
			return 0, int(defs.EINVAL)
		}

		vrflags := Prot_to_rf(prot) | RF_ANON
		if flags&defs.MAP_SHARED != 0 {
			vrflags |= RF_MAPSHARED
		}

		rops := Anonops
		if flags&defs.MAP_CONTIG != 0 {
			rops = Anoncontigops
		}

		mrflags := 0
		if flags&defs.MAP_POPULATE != 0 {
			mrflags |= MRF_PREALLOC
		}

		ctx.Mmaplock.Lock()
		vr, r := mmapregion(ctx, addr, flags, length, vrflags, mrflags, rops)
		ctx.Mmaplock.Unlock()
		if vr == nil {
			if r == 0 {
				r = int(defs.ENOMEM)
			}
			return 0, r
		}

		return vr.Va, 0
	}

	if flags&defs.MAP_CONTIG != 0 {
		return 0, int(defs.EINVAL)
	}

	return mmapfile(ctx, addr, length, prot, flags, fd, offset)
}

func mmapfile(ctx *Ctx_t, addr uintptr, length uintptr, prot, flags, fd int,
	offset uintptr) (uintptr, int) {
	vrflags := Prot_to_rf(prot)
	if flags&defs.MAP_SHARED != 0 {
		vrflags |= RF_MAPSHARED
	}

	pageoff := offset % uintptr(mem.PGSIZE)
	offset -= pageoff
	length = util.Roundup(length+pageoff, uintptr(mem.PGSIZE))

	ctx.Mmaplock.Lock()
	defer ctx.Mmaplock.Unlock()

	vr, r := mmapregion(ctx, addr, flags, length, vrflags, 0, Fileops)
	if vr == nil {
		if r == 0 {
			r = int(defs.ENOMEM)
		}
		return 0, r
	}

	File_map_set_file(ctx, vr, fd, offset)

	if flags&defs.MAP_POPULATE != 0 {
		faultfl := defs.FAULT_FLAG_INTERRUPTIBLE
		if vrflags&RF_WRITE != 0 {
			faultfl |= defs.FAULT_FLAG_WRITE
		}
		if r := Region_handle_memory(ctx, vr, 0, length, faultfl); r != 0 {
			ctx.unlinkregion(vr)
			Region_free(vr)
			return 0, r
		}
	}

	return vr.Va + pageoff, 0
}

// Vm_unmap removes [addr, addr+length) from the context.
func Vm_unmap(ctx *Ctx_t, addr uintptr, length uintptr) int {
	length = util.Roundup(length, uintptr(mem.PGSIZE))

	ctx.Mmaplock.Lock()
	r := Region_unmap_range(ctx, addr, length)
	ctx.Mmaplock.Unlock()

	return r
}

// Brk extends the data region up to addr.
func (ctx *Ctx_t) Brk(addr uintptr) int {
	ctx.Mmaplock.Lock()
	r := Region_extend_up_to(ctx, addr)
	ctx.Mmaplock.Unlock()
	return r
}

// Msync writes back the dirty pages of every shared region covering
// [addr, addr+l) and re-arms dirty detection by re-installing the
// covered translations.
func (ctx *Ctx_t) Msync(addr uintptr, l uintptr, flags int) int {
	pg := uintptr(mem.PGSIZE)

	if flags & ^(defs.MS_ASYNC|defs.MS_INVALIDATE|defs.MS_SYNC) != 0 {
		return int(defs.EINVAL)
	}
	if addr%pg != 0 {
		return int(defs.EINVAL)
	}
	if flags&defs.MS_ASYNC != 0 && flags&defs.MS_SYNC != 0 {
		return int(defs.EINVAL)
	}

	l = util.Roundup(l, pg)
	end := addr + l
	if end < addr {
		return int(defs.ENOMEM)
	}
	if end == addr {
		return 0
	}

	unmappederr := 0
	start := addr

	ctx.Mmaplock.Lock()
	defer ctx.Mmaplock.Unlock()

	vr := Region_lookup(ctx, start)
	for {
		if vr == nil {
			return int(defs.ENOMEM)
		}

		if start < vr.Va {
			if flags == defs.MS_ASYNC {
				return int(defs.ENOMEM)
			}
			start = vr.Va
			if start >= end {
				return int(defs.ENOMEM)
			}
			unmappederr = int(defs.ENOMEM)
		}

		startoff := start - vr.Va
		endoff := util.Min(end-vr.Va, vr.Length)

		start = vr.Va + vr.Length

		sy, cansync := vr.rops.(syncer_i)
		if flags&defs.MS_SYNC != 0 && vr.Flags&RF_MAPSHARED != 0 && cansync {
			if err := sy.Syncrange(vr, startoff, endoff); err != 0 {
				return err
			}
			if err := Region_write_map_range(ctx, vr, startoff, endoff); err != 0 {
				return err
			}
			if start >= end {
				return unmappederr
			}
		} else {
			if start >= end {
				return unmappederr
			}
		}
		vr = Region_lookup(ctx, start)
	}
}

// Handle_page_fault resolves a guest access fault. It returns false
// when no region rule can resolve the fault, in which case the caller
// terminates the guest thread.
func (ctx *Ctx_t) Handle_page_fault(addr uintptr, flags int, vrflags int, pc uintptr) bool {
	ctx.Mmaplock.Lock()
	defer ctx.Mmaplock.Unlock()

	vr := Region_lookup(ctx, addr)
	if vr == nil {
		Log.Warnf("context %d bad address %#x, pc=%#x", ctx.Cid, addr, pc)
		return false
	}

	if vr.Flags&vrflags == 0 {
		Log.Warnf("context %d bad access %#x, pc=%#x", ctx.Cid, addr, pc)
		return false
	}

	offset := addr - vr.Va
	return Region_handle_pf(ctx, vr, offset, flags) == 0
}

// Physspan_t is one physically contiguous piece of a translated user
// buffer.
type Physspan_t struct {
	Addr mem.Pa_t
	Size uintptr
}

// Vumap translates the user buffer [va, va+size) into physical spans.
// Returns EFAULT on an untranslated page.
func (ctx *Ctx_t) Vumap(va uintptr, size uintptr, pmax int) ([]Physspan_t, int) {
	if size == 0 || pmax <= 0 {
		return nil, int(defs.EINVAL)
	}

	ctx.pgdlock.Lock()
	defer ctx.pgdlock.Unlock()

	var spans []Physspan_t
	for size > 0 && len(spans) < pmax {
		pa, chunk := ctx.pgd.Va2pa_range(va, size)
		if chunk == 0 {
			return nil, int(defs.EFAULT)
		}
		spans = append(spans, Physspan_t{Addr: pa, Size: chunk})
		va += chunk
		size -= chunk
	}
	if size > 0 {
		return nil, int(defs.EFAULT)
	}
	return spans, 0
}

// Alloctls maps a fresh populated page for a thread control block and
// returns its address.
func (ctx *Ctx_t) Alloctls() (uintptr, int) {
	va, r := Vm_map(ctx, 0, uintptr(mem.PGSIZE), defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS|defs.MAP_POPULATE, -1, 0)
	if r != 0 {
		return 0, r
	}
	return va, 0
}

// Regioncount returns the number of live regions; test support.
func (ctx *Ctx_t) Regioncount() int {
	return ctx.memavl.Len()
}

// Regionspans returns the [start, end) interval of every region in
// address order; test support.
func (ctx *Ctx_t) Regionspans() [][2]uintptr {
	var spans [][2]uintptr
	key := uintptr(0)
	for {
		vr, ok := ctx.memavl.Ceil(key)
		if !ok {
			break
		}
		spans = append(spans, [2]uintptr{vr.Va, vr.Va + vr.Length})
		key = vr.Va + 1
	}
	return spans
}
