// Package ramdisk implements the RAM-disk image format (spec.md §6): a
// file count, N fixed-size headers, then concatenated file contents with
// no padding. Grounded byte-for-byte on rawOS's original
// ramdisk/writer.c and ramdisk/reader.c.
package ramdisk

import (
	"encoding/binary"
	"fmt"
	"strings"
)

/// NameSize is the fixed, NUL-padded width of a stored file name.
const NameSize = 256

/// Entry_t is one packaged file: its name and raw contents.
type Entry_t struct {
	Name string
	Data []byte
}

func validateName(name string) error {
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("ramdisk: file name %q must not contain a slash or backslash (flat root only)", name)
	}
	if len(name) >= NameSize {
		return fmt.Errorf("ramdisk: file name %q exceeds %d bytes", name, NameSize-1)
	}
	return nil
}

/// Pack serializes entries into the on-disk RAM-disk image format.
func Pack(entries []Entry_t) ([]byte, error) {
	for _, e := range entries {
		if err := validateName(e.Name); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(entries)))

	for _, e := range entries {
		hdr := make([]byte, NameSize+4)
		copy(hdr, e.Name)
		binary.LittleEndian.PutUint32(hdr[NameSize:], uint32(len(e.Data)))
		out = append(out, hdr...)
	}
	for _, e := range entries {
		out = append(out, e.Data...)
	}
	return out, nil
}

/// Unpack parses a RAM-disk image back into its entries.
func Unpack(img []byte) ([]Entry_t, error) {
	if len(img) < 4 {
		return nil, fmt.Errorf("ramdisk: image too short for file count")
	}
	n := binary.LittleEndian.Uint32(img[0:4])
	off := 4

	type rawHeader struct {
		name string
		size uint32
	}
	headers := make([]rawHeader, n)
	for i := uint32(0); i < n; i++ {
		if off+NameSize+4 > len(img) {
			return nil, fmt.Errorf("ramdisk: image truncated within header table")
		}
		nameBytes := img[off : off+NameSize]
		nul := 0
		for nul < len(nameBytes) && nameBytes[nul] != 0 {
			nul++
		}
		size := binary.LittleEndian.Uint32(img[off+NameSize : off+NameSize+4])
		headers[i] = rawHeader{name: string(nameBytes[:nul]), size: size}
		off += NameSize + 4
	}

	entries := make([]Entry_t, n)
	for i, h := range headers {
		if off+int(h.size) > len(img) {
			return nil, fmt.Errorf("ramdisk: image truncated within contents of %q", h.name)
		}
		entries[i] = Entry_t{Name: h.name, Data: img[off : off+int(h.size)]}
		off += int(h.size)
	}
	return entries, nil
}
