// Command dhis2submit reads aggregate values from a workbook and submits
// them to a DHIS2 dataset.
package main

import (
	"fmt"
	"os"
	"runtime"
)

const (
	Version = "0.1.0"
	appName = "dhis2submit"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
