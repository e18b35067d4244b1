package mem

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "github.com/nobodyknowsthat/storpu/defs"

func testzones() []Zonecfg_t {
	return []Zonecfg_t{
		{Zone: defs.MEMZONE_PS_DDR_HIGH, Npages: 64},
		{Zone: defs.MEMZONE_PS_DDR_LOW, Npages: 16},
		{Zone: defs.MEMZONE_PL_DDR, Npages: 16},
	}
}

func TestAllocFree(t *testing.T) {
	phys := Phys_init(testzones())

	pa, ok := phys.Alloc_pages(1, defs.ZONE_PS_DDR)
	require.True(t, ok)
	require.NotZero(t, pa)
	assert.Zero(t, pa&PGOFFSET)

	b := phys.Dmap(pa, PGSIZE)
	require.Len(t, b, PGSIZE)
	b[0] = 0xaa
	assert.Equal(t, uint8(0xaa), phys.Dmap8(pa)[0])

	phys.Free_mem(pa, PGSIZE)
	assert.Zero(t, phys.Allocated())
}

func TestContiguousRun(t *testing.T) {
	phys := Phys_init(testzones())

	pa, ok := phys.Alloc_pages(4, defs.ZONE_PS_DDR)
	require.True(t, ok)

	// the run is physically contiguous: one dmap covers it
	b := phys.Dmap(pa, 4*PGSIZE)
	b[4*PGSIZE-1] = 0x55
	assert.Equal(t, uint8(0x55), phys.Dmap8(pa+Pa_t(3*PGSIZE))[PGSIZE-1])

	// partial free, piece by piece, as the contiguous back-end does
	for i := 0; i < 4; i++ {
		phys.Free_mem(pa+Pa_t(i*PGSIZE), PGSIZE)
	}
	assert.Zero(t, phys.Allocated())
}

func TestZoneMask(t *testing.T) {
	phys := Phys_init(testzones())

	// drain the PL zone
	var pas []Pa_t
	for {
		pa, ok := phys.Alloc_pages(1, defs.ZONE_PL_DDR)
		if !ok {
			break
		}
		pas = append(pas, pa)
	}
	assert.Len(t, pas, 16)

	_, ok := phys.Alloc_pages(1, defs.ZONE_PL_DDR)
	assert.False(t, ok)

	// other zones still serve
	_, ok = phys.Alloc_pages(1, defs.ZONE_ALL)
	assert.True(t, ok)
}

func TestOutOfMemory(t *testing.T) {
	phys := Phys_init([]Zonecfg_t{{Zone: defs.MEMZONE_PS_DDR_HIGH, Npages: 8}})

	_, ok := phys.Alloc_pages(9, defs.ZONE_ALL)
	assert.False(t, ok)

	// fragmentation: no run of 2 after punching holes
	var pas []Pa_t
	for i := 0; i < 8; i++ {
		pa, ok := phys.Alloc_pages(1, defs.ZONE_ALL)
		require.True(t, ok)
		pas = append(pas, pa)
	}
	for i := 0; i < 8; i += 2 {
		phys.Free_mem(pas[i], PGSIZE)
	}
	_, ok = phys.Alloc_pages(2, defs.ZONE_ALL)
	assert.False(t, ok)
	_, ok = phys.Alloc_pages(1, defs.ZONE_ALL)
	assert.True(t, ok)
}

func TestVmpages(t *testing.T) {
	phys := Phys_init(testzones())

	b, pa, ok := phys.Alloc_vmpages(2, defs.ZONE_PS_DDR)
	require.True(t, ok)
	require.Len(t, b, 2*PGSIZE)
	b[PGSIZE] = 7
	assert.Equal(t, uint8(7), phys.Dmap8(pa+Pa_t(PGSIZE))[0])
}
