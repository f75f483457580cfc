package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/onuse/moses/internal/config"
)

var (
	// Global output flags only
	verbose bool
	quiet   bool
	imgPath string
)

var rootCmd = &cobra.Command{
	Use:   "moses",
	Short: "Cross-platform disk formatting and filesystem access toolkit",
	Long: `moses is the command-line front end of the Moses filesystem engine:
readers and writers for ext2/3/4, NTFS, exFAT, FAT16 and FAT32, with
journaled (ext) or guarded (others) mutation, plus the safety gate that
decides whether a destructive operation may touch a device.

Commands:
  probe      Detect the filesystem on a device or image
  info       Show volume identity and space counters
  ls         List a directory
  cat        Print a file's contents
  assess     Run the safety gate against a device
  format     Format a device or image (elevated for real devices)
  verify     Re-check a freshly formatted FAT volume`,
	Version: "0.1.0-dev",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			cfg = config.Default()
		}
		cfg.ApplyLogLevel()
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		if quiet {
			logrus.SetLevel(logrus.ErrorLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVar(&imgPath, "image", "", "operate on an image file instead of a device")
}

func main() {
	Execute()
}
