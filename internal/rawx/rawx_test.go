package rawx

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/felipeek/rawOS/internal/vm"
)

const testRAM = 16 * 1024 * 1024
const loadAddress = 0x40000000

type fakeStubs struct{}

func (fakeStubs) Lookup(symbol string) ([]byte, bool) {
	if symbol == "exit" {
		return []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xCD, 0x80, 0xC3}, true
	}
	return nil, false
}

func putSectionName(buf []byte, name string) {
	copy(buf, name)
}

// buildImage assembles a minimal RawX image: a .code section and a .data
// section, no .import, no stack request.
func buildImage(code, data []byte) []byte {
	const sectionCount = 2
	var hdr bytes.Buffer
	hdr.WriteString(Magic)
	binary.Write(&hdr, binary.LittleEndian, uint16(Version))
	binary.Write(&hdr, binary.LittleEndian, ArchX86)
	binary.Write(&hdr, binary.LittleEndian, uint32(loadAddress))
	binary.Write(&hdr, binary.LittleEndian, uint32(0)) // entry point offset
	binary.Write(&hdr, binary.LittleEndian, uint32(0)) // stack size
	binary.Write(&hdr, binary.LittleEndian, int32(sectionCount))

	sectionTable := make([]byte, sectionCount*sectionSize)
	codeSec := sectionTable[0:sectionSize]
	putSectionName(codeSec[0:8], ".code")
	binary.LittleEndian.PutUint32(codeSec[8:12], uint32(len(code)))
	binary.LittleEndian.PutUint32(codeSec[12:16], 0) // virtual address (offset 0)

	dataSec := sectionTable[sectionSize : 2*sectionSize]
	putSectionName(dataSec[0:8], ".data")
	binary.LittleEndian.PutUint32(dataSec[8:12], uint32(len(data)))
	binary.LittleEndian.PutUint32(dataSec[12:16], pgsize) // second page

	body := append([]byte{}, code...)
	body = append(body, data...)
	codeDataStart := headerSize + len(sectionTable)
	binary.LittleEndian.PutUint32(codeSec[16:20], uint32(codeDataStart))
	binary.LittleEndian.PutUint32(dataSec[16:20], uint32(codeDataStart+len(code)))

	out := append([]byte{}, hdr.Bytes()...)
	out = append(out, sectionTable...)
	out = append(out, body...)
	return out
}

func TestLoadPlacesCodeSectionBytesExactlyAtEntrypoint(t *testing.T) {
	code := []byte{0x90, 0x90, 0xCD, 0x80} // nop nop int 0x80
	data := []byte("hello")
	img := buildImage(code, data)

	vmm := vm.New(testRAM)
	pd := vmm.NewAddressSpace()

	li := Load(img, vmm, pd, fakeStubs{}, false, false)

	if li.CodeAddress != loadAddress {
		t.Fatalf("CodeAddress = 0x%x, want 0x%x", li.CodeAddress, loadAddress)
	}
	if li.Entrypoint != loadAddress {
		t.Fatalf("Entrypoint = 0x%x, want 0x%x", li.Entrypoint, loadAddress)
	}

	got := vmm.ReadBytes(pd, li.Entrypoint, len(code))
	if !bytes.Equal(got, code) {
		t.Fatalf("in-memory .code bytes = %x, want %x", got, code)
	}

	gotData := vmm.ReadBytes(pd, li.DataAddress, len(data))
	if !bytes.Equal(gotData, data) {
		t.Fatalf("in-memory .data bytes = %q, want %q", gotData, data)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	img := buildImage([]byte{0x90}, nil)
	img[0] = 'X'

	vmm := vm.New(testRAM)
	pd := vmm.NewAddressSpace()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Load to panic on bad magic")
		}
	}()
	Load(img, vmm, pd, fakeStubs{}, false, false)
}

func TestLoadRejectsLoadAddressBelow1GiB(t *testing.T) {
	code := []byte{0x90}
	img := buildImage(code, nil)
	binary.LittleEndian.PutUint32(img[10:14], 0x1000) // below 1gb

	vmm := vm.New(testRAM)
	pd := vmm.NewAddressSpace()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Load to panic on a sub-1GiB load address")
		}
	}()
	Load(img, vmm, pd, fakeStubs{}, false, false)
}

func TestLoadCreatesRequestedStack(t *testing.T) {
	code := []byte{0x90}
	img := buildImage(code, nil)
	// keep the .data section empty: the table still has two entries, the
	// second with size zero
	binary.LittleEndian.PutUint32(img[headerSize+sectionSize+8:headerSize+sectionSize+12], 0)
	binary.LittleEndian.PutUint32(img[18:22], pgsize) // stack size = one page

	vmm := vm.New(testRAM)
	pd := vmm.NewAddressSpace()

	li := Load(img, vmm, pd, fakeStubs{}, true, false)
	if li.StackAddress != StackAddress {
		t.Fatalf("StackAddress = 0x%x, want 0x%x", li.StackAddress, StackAddress)
	}
	if _, ok := vmm.Translate(pd, StackAddress-pgsize); !ok {
		t.Fatalf("expected the requested stack page to be mapped")
	}
}
