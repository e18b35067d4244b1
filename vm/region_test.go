package vm

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"

func vmboot(t *testing.T) *Ctx_t {
	t.Helper()
	mem.Phys_init(mem.Mkdefaultzones(1024))
	Vm_init()
	Mkmutex = func() Mutex_i { return &stdmutex_t{} }
	Yield = func() {}
	Spuread = nil
	Spuwrite = nil

	ctx, r := Create_context()
	require.Zero(t, r)
	return ctx
}

func checknooverlap(t *testing.T, ctx *Ctx_t) {
	t.Helper()
	spans := ctx.Regionspans()
	for i := 1; i < len(spans); i++ {
		require.LessOrEqual(t, spans[i-1][1], spans[i][0], "overlapping regions")
	}
}

func checkvmtotal(t *testing.T, ctx *Ctx_t) {
	t.Helper()
	var total uintptr
	for el := ctx.regions.Front(); el != nil; el = el.Next() {
		vr := el.Value.(*Region_t)
		for off := uintptr(0); off < vr.Length; off += uintptr(mem.PGSIZE) {
			if vr.Phys_get(off) != nil {
				total += uintptr(mem.PGSIZE)
			}
		}
	}
	require.Equal(t, total, ctx.Vmtotal)
}

func TestMmapAnonPopulate(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	va, r := Vm_map(ctx, 0, 8192, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS|defs.MAP_POPULATE, -1, 0)
	require.Zero(t, r)
	require.NotZero(t, va)
	assert.Zero(t, va%uintptr(mem.PGSIZE))

	// both pages have resolved frames and read as zero
	vr := Region_lookup(ctx, va)
	require.NotNil(t, vr)
	for off := uintptr(0); off < 8192; off += uintptr(mem.PGSIZE) {
		pr := vr.Phys_get(off)
		require.NotNil(t, pr)
		require.NotEqual(t, mem.Pnone, pr.Page.Phys)
	}

	v, err := ctx.Userreadn(va, 8)
	require.Zero(t, err)
	assert.Zero(t, v)

	checkvmtotal(t, ctx)

	// round trip: after munmap the range faults
	require.Zero(t, Vm_unmap(ctx, va, 8192))
	_, err = ctx.Userreadn(va, 8)
	assert.Equal(t, -defs.EFAULT, err)
	checkvmtotal(t, ctx)
}

func TestMmapFlagValidation(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	// exactly one of shared/private
	_, r := Vm_map(ctx, 0, 4096, defs.PROT_READ, defs.MAP_ANONYMOUS, -1, 0)
	assert.Equal(t, int(defs.EINVAL), r)

	_, r = Vm_map(ctx, 0, 4096, defs.PROT_READ,
		defs.MAP_ANONYMOUS|defs.MAP_PRIVATE|defs.MAP_SHARED, -1, 0)
	assert.Equal(t, int(defs.EINVAL), r)

	// contig requires populate
	_, r = Vm_map(ctx, 0, 4096, defs.PROT_READ,
		defs.MAP_ANONYMOUS|defs.MAP_PRIVATE|defs.MAP_CONTIG, -1, 0)
	assert.Equal(t, int(defs.EINVAL), r)

	// contig incompatible with file-backed
	_, r = Vm_map(ctx, 0, 4096, defs.PROT_READ,
		defs.MAP_SHARED|defs.MAP_CONTIG|defs.MAP_POPULATE, 0, 0)
	assert.Equal(t, int(defs.EINVAL), r)

	// fixed with unaligned hint
	_, r = Vm_map(ctx, VUSERSTART+12, 4096, defs.PROT_READ,
		defs.MAP_ANONYMOUS|defs.MAP_PRIVATE|defs.MAP_FIXED, -1, 0)
	assert.Equal(t, int(defs.EINVAL), r)

	// anonymous requires fd == -1
	_, r = Vm_map(ctx, 0, 4096, defs.PROT_READ,
		defs.MAP_ANONYMOUS|defs.MAP_PRIVATE, 3, 0)
	assert.Equal(t, int(defs.EINVAL), r)
}

func TestMmapPlacementGuards(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	// the first unhinted mapping leaves a guard page below the ceiling
	va1, r := Vm_map(ctx, 0, 4096, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS, -1, 0)
	require.Zero(t, r)
	assert.Equal(t, VSTACKTOP-uintptr(mem.PGSIZE)-4096, va1)

	// further mappings go below, never overlapping
	va2, r := Vm_map(ctx, 0, 4096, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS, -1, 0)
	require.Zero(t, r)
	require.NotEqual(t, va1, va2)
	checknooverlap(t, ctx)

	// a mapping larger than any gap between regions still finds room
	va3, r := Vm_map(ctx, 0, 1<<20, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS, -1, 0)
	require.Zero(t, r)
	require.NotZero(t, va3)
	checknooverlap(t, ctx)
}

func TestContigMapping(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	va, r := Vm_map(ctx, 0, 4*uintptr(mem.PGSIZE), defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS|defs.MAP_CONTIG|defs.MAP_POPULATE, -1, 0)
	require.Zero(t, r)

	vr := Region_lookup(ctx, va)
	require.NotNil(t, vr)

	// frames are physically contiguous
	var base mem.Pa_t
	for off := uintptr(0); off < vr.Length; off += uintptr(mem.PGSIZE) {
		pr := vr.Phys_get(off)
		require.NotNil(t, pr)
		if off == 0 {
			base = pr.Page.Phys
		} else {
			require.Equal(t, base+mem.Pa_t(off), pr.Page.Phys)
		}
	}

	// contig regions do not split
	r = Vm_unmap(ctx, va+uintptr(mem.PGSIZE), uintptr(mem.PGSIZE))
	assert.Equal(t, int(defs.EINVAL), r)

	// whole-region unmap is fine
	require.Zero(t, Vm_unmap(ctx, va, vr.Length))
	checkvmtotal(t, ctx)
}

func TestUnmapSplitsRegion(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	va, r := Vm_map(ctx, 0, 4*uintptr(mem.PGSIZE), defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS|defs.MAP_POPULATE, -1, 0)
	require.Zero(t, r)

	before := ctx.Regioncount()

	// punch a hole in the middle: the region splits
	pg := uintptr(mem.PGSIZE)
	require.Zero(t, Vm_unmap(ctx, va+pg, pg))

	assert.Equal(t, before+1, ctx.Regioncount())
	checknooverlap(t, ctx)
	checkvmtotal(t, ctx)

	// outer pages still readable, hole faults
	_, err := ctx.Userreadn(va, 8)
	assert.Zero(t, err)
	_, err = ctx.Userreadn(va+pg, 8)
	assert.Equal(t, -defs.EFAULT, err)
	_, err = ctx.Userreadn(va+2*pg, 8)
	assert.Zero(t, err)

	// low trim moves the region base up
	require.Zero(t, Vm_unmap(ctx, va+2*pg, pg))
	vr := Region_lookup(ctx, va+3*pg)
	require.NotNil(t, vr)
	assert.Equal(t, va+3*pg, vr.Va)
	checkvmtotal(t, ctx)
}

func TestBrk(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	base := VUSERSTART + 0x100000
	_, r := Vm_map(ctx, base, 4096, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_PRIVATE|defs.MAP_ANONYMOUS|defs.MAP_FIXED, -1, 0)
	require.Zero(t, r)

	// growing inside the region is a no-op
	require.Zero(t, ctx.Brk(base+100))

	// growing past the end extends it
	require.Zero(t, ctx.Brk(base+3*4096))
	require.Zero(t, ctx.Userwriten(base+2*4096, 8, 0x1234))
	v, err := ctx.Userreadn(base+2*4096, 8)
	require.Zero(t, err)
	assert.Equal(t, uint64(0x1234), v)

	// no region below the address at all
	ctx2, r := Create_context()
	require.Zero(t, r)
	defer Put_context(ctx2)
	assert.Equal(t, int(defs.EINVAL), ctx2.Brk(VUSERSTART+4096))
}

func TestRegionMapClearsUninitFlag(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	// the uninitialized flag only governs fault-time zeroing during
	// prealloc; it never survives region creation
	ctx.Mmaplock.Lock()
	vr, r := Region_map(ctx, VUSERSTART, VSTACKTOP, 4096,
		RF_READ|RF_WRITE|RF_ANON|RF_UNINITIALIZED, 0, Anonops)
	ctx.Mmaplock.Unlock()
	require.Zero(t, r)
	require.NotNil(t, vr)
	assert.Zero(t, vr.Flags&RF_UNINITIALIZED)
}
