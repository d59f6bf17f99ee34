// cloudai classifies cloud photographs with a pre-trained image model.
//
// Usage:
//
//	cloudai serve [--config=<file>] [--port=<port>] [--drop-dir=<dir>]
//	cloudai classify <image> [--json]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
