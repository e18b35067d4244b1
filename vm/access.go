package vm

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/util"

// User-memory access emulation. Loads and stores by the runtime on
// behalf of a guest go through the context's page directory; a missing
// or insufficient translation raises the same fault path the hardware
// would, then the access is retried.

// userdmap8 returns a byte slice over the mapped frame at va, faulting
// the page in if needed. The slice runs to the end of the page.
func (ctx *Ctx_t) userdmap8(va uintptr, k2u bool) ([]uint8, defs.Err_t) {
	for try := 0; try < 2; try++ {
		ctx.pgdlock.Lock()
		pte, ok := ctx.pgd.Lookup(va)
		ctx.pgdlock.Unlock()

		if ok && (!k2u || pte.Flags&PTE_W != 0) {
			voff := va & uintptr(mem.PGOFFSET)
			return mem.Physmem.Dmap8(pte.Phys + mem.Pa_t(voff)), 0
		}

		flags := defs.FAULT_FLAG_USER | defs.FAULT_FLAG_INTERRUPTIBLE
		vrflags := RF_READ | RF_WRITE | RF_EXEC
		if k2u {
			flags |= defs.FAULT_FLAG_WRITE
			vrflags = RF_WRITE
		}
		if !ctx.Handle_page_fault(va, flags, vrflags, 0) {
			return nil, -defs.EFAULT
		}
	}
	return nil, -defs.EFAULT
}

// Userreadn reads an n byte little-endian value from guest address va.
func (ctx *Ctx_t) Userreadn(va uintptr, n int) (uint64, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	var ret uint64
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = ctx.userdmap8(va+uintptr(i), false)
		if err != 0 {
			return 0, err
		}
		l := util.Min(n-i, len(src))
		src = src[:l]
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
	}
	return ret, 0
}

// Userwriten writes val as an n byte value to guest address va.
func (ctx *Ctx_t) Userwriten(va uintptr, n int, val uint64) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		t, err := ctx.userdmap8(va+uintptr(i), true)
		if err != 0 {
			return err
		}
		dst = t
		l := util.Min(n-i, len(dst))
		dst = dst[:l]
		util.Writen(dst, l, 0, val>>(8*uint(i)))
	}
	return 0
}

// K2user copies src into the guest address space starting at va.
func (ctx *Ctx_t) K2user(src []uint8, va uintptr) defs.Err_t {
	cnt := 0
	for cnt != len(src) {
		dst, err := ctx.userdmap8(va+uintptr(cnt), true)
		if err != 0 {
			return err
		}
		did := copy(dst, src[cnt:])
		cnt += did
	}
	return 0
}

// User2k copies len(dst) bytes from the guest address space at va.
func (ctx *Ctx_t) User2k(dst []uint8, va uintptr) defs.Err_t {
	cnt := 0
	for cnt != len(dst) {
		src, err := ctx.userdmap8(va+uintptr(cnt), false)
		if err != 0 {
			return err
		}
		did := copy(dst[cnt:], src)
		cnt += did
	}
	return 0
}

// Userzero zeroes l bytes of guest memory at va.
func (ctx *Ctx_t) Userzero(va uintptr, l uintptr) defs.Err_t {
	cnt := uintptr(0)
	for cnt != l {
		dst, err := ctx.userdmap8(va+cnt, true)
		if err != 0 {
			return err
		}
		n := util.Min(uintptr(len(dst)), l-cnt)
		for i := uintptr(0); i < n; i++ {
			dst[i] = 0
		}
		cnt += n
	}
	return 0
}

// Usermapped reports whether va currently has a translation; test
// support for unmap round trips.
func (ctx *Ctx_t) Usermapped(va uintptr) bool {
	ctx.pgdlock.Lock()
	defer ctx.pgdlock.Unlock()
	_, ok := ctx.pgd.Lookup(va)
	return ok
}
