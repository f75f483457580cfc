// moses-worker is the elevated helper that executes destructive jobs. It
// receives its inputs as JSON file paths, re-runs the safety gate, and
// leaves a structured result file for the parent.
package main

import (
	"os"

	"github.com/onuse/moses/internal/worker"
)

func main() {
	os.Exit(worker.Run(os.Args[1:]))
}
