package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageOffset = 0xffff888000000000

type testLoad struct {
	vaddr, paddr   uint64
	data           []byte
	memsz          uint64
	reuseOffsetOf  int // index of an earlier load whose file bytes are shared, or -1
	reuseRelOffset uint64
}

// buildCore assembles a minimal ELF64 little-endian core with PT_LOAD headers.
func buildCore(t *testing.T, loads []testLoad) []byte {
	t.Helper()

	const (
		ehsize    = 64
		phentsize = 56
	)
	dataStart := uint64(ehsize + phentsize*len(loads))
	offsets := make([]uint64, len(loads))

	var payload bytes.Buffer
	for i, l := range loads {
		if l.reuseOffsetOf >= 0 {
			offsets[i] = offsets[l.reuseOffsetOf] + l.reuseRelOffset
			continue
		}
		offsets[i] = dataStart + uint64(payload.Len())
		payload.Write(l.data)
	}

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])
	le := binary.LittleEndian
	write := func(v any) { require.NoError(t, binary.Write(&buf, le, v)) }
	write(uint16(elf.ET_CORE))
	write(uint16(elf.EM_X86_64))
	write(uint32(elf.EV_CURRENT))
	write(uint64(0))         // entry
	write(uint64(ehsize))    // phoff
	write(uint64(0))         // shoff
	write(uint32(0))         // flags
	write(uint16(ehsize))    // ehsize
	write(uint16(phentsize)) // phentsize
	write(uint16(len(loads)))
	write(uint16(64)) // shentsize
	write(uint16(0))  // shnum
	write(uint16(0))  // shstrndx

	for i, l := range loads {
		memsz := l.memsz
		if memsz == 0 {
			memsz = uint64(len(l.data))
		}
		write(uint32(elf.PT_LOAD))
		write(uint32(elf.PF_R | elf.PF_W))
		write(offsets[i])
		write(l.vaddr)
		write(l.paddr)
		write(uint64(len(l.data)))
		write(memsz)
		write(uint64(4096))
	}
	buf.Write(payload.Bytes())
	return buf.Bytes()
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func testLoads() []testLoad {
	ram0 := pattern(0x2000, 1)
	ram1 := pattern(0x800, 7)
	return []testLoad{
		{vaddr: testPageOffset, paddr: 0, data: ram0, reuseOffsetOf: -1},
		{vaddr: testPageOffset + 0x4000, paddr: 0x4000, data: ram1, memsz: 0x1000, reuseOffsetOf: -1},
		// Kernel text mapping of the second frame of the first segment.
		{vaddr: 0xffffffff81000000, paddr: 0x1000, data: ram0[0x1000:], reuseOffsetOf: 0, reuseRelOffset: 0x1000},
	}
}

func TestCore_ReadPhysical(t *testing.T) {
	loads := testLoads()
	core, err := New(bytes.NewReader(buildCore(t, loads)), Options{PageOffset: testPageOffset})
	require.NoError(t, err)
	assert.Equal(t, elf.EM_X86_64, core.Machine())
	assert.Equal(t, 2, core.Segments())

	buf := make([]byte, 0x100)
	require.NoError(t, core.ReadPhysical(0x1f00, buf))
	assert.Equal(t, loads[0].data[0x1f00:], buf)

	// Filesz < Memsz: the tail reads as zeros.
	tail := make([]byte, 0x10)
	require.NoError(t, core.ReadPhysical(0x4800, tail))
	assert.Equal(t, make([]byte, 0x10), tail)

	straddle := make([]byte, 0x10)
	require.NoError(t, core.ReadPhysical(0x47f8, straddle))
	assert.Equal(t, loads[1].data[0x7f8:], straddle[:8])
	assert.Equal(t, make([]byte, 8), straddle[8:])
}

func TestCore_ExcludedVersusUnreadable(t *testing.T) {
	core, err := New(bytes.NewReader(buildCore(t, testLoads())), Options{PageOffset: testPageOffset})
	require.NoError(t, err)

	buf := make([]byte, 8)

	err = core.ReadPhysical(0x3000, buf)
	assert.True(t, errors.Is(err, snapshot.ErrExcluded), "gap inside RAM is excluded: %v", err)

	err = core.ReadPhysical(0x9000, buf)
	assert.True(t, errors.Is(err, snapshot.ErrUnreadable), "beyond RAM is unreadable: %v", err)

	// Straddling into a gap fails as a whole.
	err = core.ReadPhysical(0x1ffc, buf)
	assert.True(t, errors.Is(err, snapshot.ErrExcluded))
}

func TestCore_ReadVirtual(t *testing.T) {
	loads := testLoads()
	core, err := New(bytes.NewReader(buildCore(t, loads)), Options{PageOffset: testPageOffset})
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, core.ReadVirtual(0xffffffff81000010, buf))
	assert.Equal(t, loads[0].data[0x1010:0x1020], buf)

	require.NoError(t, core.ReadVirtual(testPageOffset+0x4010, buf))
	assert.Equal(t, loads[1].data[0x10:0x20], buf)

	err = core.ReadVirtual(testPageOffset+0x3000, buf)
	assert.True(t, errors.Is(err, snapshot.ErrExcluded))

	var readErr *snapshot.ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, snapshot.Virtual, readErr.Space)

	err = core.ReadVirtual(0x1000, buf)
	assert.True(t, errors.Is(err, snapshot.ErrUnreadable))
}

func TestCore_RejectsNonCore(t *testing.T) {
	img := buildCore(t, testLoads())
	binary.LittleEndian.PutUint16(img[16:], uint16(elf.ET_EXEC))

	_, err := New(bytes.NewReader(img), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a core file")

	_, err = New(bytes.NewReader([]byte("definitely not ELF")), Options{})
	require.Error(t, err)
}

func TestOpen_Mmap(t *testing.T) {
	loads := testLoads()
	path := filepath.Join(t.TempDir(), "vmcore")
	require.NoError(t, os.WriteFile(path, buildCore(t, loads), 0o644))

	for _, useMmap := range []bool{false, true} {
		core, err := Open(path, Options{PageOffset: testPageOffset, Mmap: useMmap})
		require.NoError(t, err)

		buf := make([]byte, 32)
		require.NoError(t, core.ReadPhysical(0x100, buf))
		assert.Equal(t, loads[0].data[0x100:0x120], buf)

		require.NoError(t, core.Close())
		require.NoError(t, core.Close())
	}
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), Options{})
	require.Error(t, err)
}
