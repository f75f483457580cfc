package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	moses "github.com/onuse/moses"
	"github.com/onuse/moses/internal/device"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/fs/exfat"
	"github.com/onuse/moses/internal/fs/ext4"
	"github.com/onuse/moses/internal/fs/fatfs"
	"github.com/onuse/moses/internal/fs/ntfs"
	"github.com/onuse/moses/internal/types"
)

// openReader resolves the --image flag or a device path into a reader.
func openReader(target string) (fs.Reader, func(), error) {
	if imgPath != "" {
		target = imgPath
	}
	h, err := device.OpenImage(target, false)
	if err != nil {
		// Not an image: treat the argument as a device identity.
		dev := &types.Device{ID: target}
		r, rerr := moses.NewReader(dev)
		if rerr != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	}
	r, err := readerFor(h)
	if err != nil {
		h.Close()
		return nil, nil, err
	}
	return r, func() { r.Close() }, nil
}

// readerFor probes an open handle and builds the family reader.
func readerFor(h *device.AlignedFile) (fs.Reader, error) {
	kind, err := fs.Probe(h)
	if err != nil {
		return nil, err
	}
	switch kind {
	case types.FilesystemExt2, types.FilesystemExt3, types.FilesystemExt4:
		return ext4.NewReader(h)
	case types.FilesystemFAT16, types.FilesystemFAT32:
		return fatfs.NewReader(h)
	case types.FilesystemExFAT:
		return exfat.NewReader(h)
	case types.FilesystemNTFS:
		return ntfs.NewReader(h)
	default:
		return nil, types.E(types.KindFilesystemUnrecognized, "reader")
	}
}

var probeCmd = &cobra.Command{
	Use:   "probe <device|image>",
	Short: "Detect the filesystem on a device or image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := device.OpenImage(pick(args[0]), false)
		if err != nil {
			return err
		}
		defer h.Close()
		kind, err := fs.Probe(h)
		if err != nil {
			return err
		}
		fmt.Println(kind)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <device|image>",
	Short: "Show volume identity and space counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReader(args[0])
		if err != nil {
			return err
		}
		defer done()
		info, err := r.Info()
		if err != nil {
			return err
		}
		sfs, err := r.StatFS()
		if err != nil {
			return err
		}
		fmt.Printf("Type:        %s\n", info.Kind)
		fmt.Printf("Label:       %s\n", info.Label)
		fmt.Printf("Block size:  %s\n", humanize.IBytes(uint64(info.BlockSize)))
		fmt.Printf("Capacity:    %s\n", humanize.IBytes(info.TotalBlocks*uint64(info.BlockSize)))
		fmt.Printf("Free:        %s\n", humanize.IBytes(sfs.FreeBlocks*uint64(sfs.BlockSize)))
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <device|image> <path>",
	Short: "List a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReader(args[0])
		if err != nil {
			return err
		}
		defer done()
		entries, err := r.ReadDir(args[1])
		if err != nil {
			return err
		}
		for _, e := range entries {
			size := ""
			if e.Kind == types.EntryKindFile {
				size = humanize.IBytes(e.Size)
			}
			fmt.Printf("%-8s %10s  %s\n", e.Kind, size, e.Name)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <device|image> <path>",
	Short: "Print a file's contents",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReader(args[0])
		if err != nil {
			return err
		}
		defer done()
		data, err := fs.ReadAll(r, args[1])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func pick(arg string) string {
	if imgPath != "" {
		return imgPath
	}
	return arg
}

func init() {
	rootCmd.AddCommand(probeCmd, infoCmd, lsCmd, catCmd)
}
