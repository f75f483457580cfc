package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	moses "github.com/onuse/moses"
	"github.com/onuse/moses/internal/device"
	"github.com/onuse/moses/internal/fs/fatfs"
	"github.com/onuse/moses/internal/safety"
	"github.com/onuse/moses/internal/types"
)

var (
	formatFS    string
	formatLabel string
	formatQuick bool
	formatDry   bool
	formatYes   bool
)

var assessCmd = &cobra.Command{
	Use:   "assess <device>",
	Short: "Run the safety gate against a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev := &types.Device{ID: args[0]}
		a := moses.Assess(dev)
		fmt.Printf("Risk: %s\n", a.Risk)
		for _, r := range a.Reasons {
			fmt.Printf("  - %s\n", r)
		}
		return nil
	},
}

var formatCmd = &cobra.Command{
	Use:   "format <device|image>",
	Short: "Format a device or image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := types.ParseFilesystemKind(formatFS)
		if kind == types.FilesystemUnknown {
			return fmt.Errorf("unknown filesystem type %q", formatFS)
		}
		opts := types.FormatOptions{
			Kind:          kind,
			Label:         formatLabel,
			QuickFormat:   formatQuick,
			DryRun:        formatDry,
			EnableJournal: kind == types.FilesystemExt4,
		}
		target := pick(args[0])
		dev := &types.Device{ID: target, Removable: imgPath != ""}
		if st, err := os.Stat(target); err == nil {
			dev.Size = uint64(st.Size())
		}

		var assessment safety.RiskAssessment
		if imgPath != "" {
			// Image files carry no OS hazard; the gate still runs so the
			// approval flow is identical.
			assessment = safety.Assess(dev, safety.OSSignals{})
		} else {
			assessment = moses.Assess(dev)
		}
		fmt.Printf("Risk: %s\n", assessment.Risk)
		for _, r := range assessment.Reasons {
			fmt.Printf("  - %s\n", r)
		}
		confirmed := formatYes
		if assessment.Risk >= safety.RiskHigh && !confirmed {
			fmt.Printf("High risk operation. Type the device path to confirm: ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			confirmed = strings.TrimSpace(line) == target
		}
		approval, err := moses.Approve(assessment, currentOperator(), confirmed)
		if err != nil {
			return err
		}

		progress := func(phase string, fraction float64) bool {
			if !quiet {
				fmt.Printf("\r%-24s %3.0f%%", phase, fraction*100)
			}
			return true
		}
		if imgPath != "" {
			err = moses.FormatLocal(dev, opts, approval, progress)
		} else {
			err = moses.Format(dev, opts, approval, progress)
		}
		if !quiet {
			fmt.Println()
		}
		return err
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <device|image>",
	Short: "Re-check a freshly formatted FAT volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := device.OpenImage(pick(args[0]), false)
		if err != nil {
			return err
		}
		defer h.Close()
		want := types.ParseFilesystemKind(formatFS)
		rep, err := fatfs.VerifyVolume(h, want)
		if err != nil {
			return err
		}
		for _, c := range rep.Checks {
			fmt.Printf("ok: %s\n", c)
		}
		fmt.Printf("%s volume with %d clusters verified\n", rep.Variant, rep.ClusterCount)
		return nil
	},
}

func currentOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}

func init() {
	formatCmd.Flags().StringVarP(&formatFS, "filesystem", "t", "fat32", "target filesystem (ext4, fat16, fat32, exfat)")
	formatCmd.Flags().StringVarP(&formatLabel, "label", "l", "", "volume label")
	formatCmd.Flags().BoolVar(&formatQuick, "quick", true, "skip zeroing the data region")
	formatCmd.Flags().BoolVar(&formatDry, "dry-run", false, "plan the format without writing")
	formatCmd.Flags().BoolVarP(&formatYes, "yes", "y", false, "skip the high-risk confirmation prompt")
	verifyCmd.Flags().StringVarP(&formatFS, "filesystem", "t", "fat16", "expected filesystem")
	rootCmd.AddCommand(assessCmd, formatCmd, verifyCmd)
}
