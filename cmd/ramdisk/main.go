// Command ramdisk packages host files into a RAM-disk image, or reads
// one back, per spec.md §6's bit-exact format. Styled after biscuit's
// mkfs command (a thin os.Args-driven wrapper over a leaf package) and
// grounded on rawOS's original ramdisk/writer.c and ramdisk/reader.c,
// whose two-binary split this single subcommand-dispatched tool
// replaces.
package main

import (
	"fmt"
	"os"

	"github.com/felipeek/rawOS/internal/ramdisk"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  %s pack <output image> <input file> <name in fs> [<input file> <name in fs> ...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s read <image> [true]\n", os.Args[0])
	os.Exit(1)
}

func pack(args []string) {
	if len(args) < 3 || len(args)%2 != 1 {
		usage()
	}
	outPath := args[0]
	rest := args[1:]

	var entries []ramdisk.Entry_t
	for i := 0; i < len(rest); i += 2 {
		data, err := os.ReadFile(rest[i])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening file %s: %v\n", rest[i], err)
			os.Exit(1)
		}
		entries = append(entries, ramdisk.Entry_t{Name: rest[i+1], Data: data})
	}

	img, err := ramdisk.Pack(entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, img, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing output file %s: %v\n", outPath, err)
		os.Exit(1)
	}
}

func read(args []string) {
	if len(args) < 1 || len(args) > 2 {
		usage()
	}
	printContents := len(args) == 2 && args[1] == "true"

	img, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening image %s: %v\n", args[0], err)
		os.Exit(1)
	}
	entries, err := ramdisk.Unpack(img)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for i, e := range entries {
		fmt.Printf("\tFile %d: %s (size: %d)\n", i+1, e.Name, len(e.Data))
		if printContents {
			fmt.Printf("%s\n", e.Data)
		}
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "pack":
		pack(os.Args[2:])
	case "read":
		read(os.Args[2:])
	default:
		usage()
	}
}
