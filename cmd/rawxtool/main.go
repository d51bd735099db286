// Command rawxtool patches the entry-point offset or load address of a
// RawX executable in place. Adapted from biscuit's chentry command,
// which performs the equivalent patch against an ELF binary's e_entry
// field using debug/elf validation; rawxtool validates against RawX's
// own magic/version/arch checks instead of debug/elf, using
// encoding/binary for the same kind of in-place header rewrite.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/felipeek/rawOS/internal/rawx"
)

func usage(me string) {
	fmt.Printf("%s <filename> entry <offset>\n", me)
	fmt.Printf("%s <filename> load <address>\n\nPatch the entry-point offset or load address of a RawX executable.\n", me)
	os.Exit(1)
}

// These offsets mirror rawx.Header_t's on-disk layout.
const (
	offMagic       = 0
	offVersion     = 4
	offFlags       = 6
	offLoadAddress = 10
	offEntryPoint  = 14
)

func chkRawX(b []byte) {
	if len(b) < offEntryPoint+4 {
		log.Fatal("file too short to be a RawX header")
	}
	if string(b[offMagic:offMagic+4]) != rawx.Magic {
		log.Fatal("not a RawX image")
	}
	if binary.LittleEndian.Uint16(b[offVersion:offVersion+2]) != rawx.Version {
		log.Fatal("unsupported RawX version")
	}
	if binary.LittleEndian.Uint32(b[offFlags:offFlags+4])&rawx.ArchX86 == 0 {
		log.Fatal("not an x86 RawX image")
	}
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func main() {
	if len(os.Args) != 4 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	field := os.Args[2]
	addr, err := parseAddr(os.Args[3])
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	header := make([]byte, offEntryPoint+4)
	if _, err := f.ReadAt(header, 0); err != nil {
		log.Fatal(err)
	}
	chkRawX(header)

	var off int
	switch field {
	case "entry":
		off = offEntryPoint
	case "load":
		off = offLoadAddress
		if addr < 1024*1024*1024 {
			log.Fatal("load address must be at least 1GiB")
		}
	default:
		usage(os.Args[0])
	}

	fmt.Printf("patching %s at 0x%x to 0x%x\n", field, off, addr)
	binary.LittleEndian.PutUint32(header[off:off+4], addr)

	if _, err := f.WriteAt(header, 0); err != nil {
		log.Fatal(err)
	}
}
