// Command sagad runs the saga coordinator service: the payment trigger, the
// admin HTTP surface and the periodic recovery sweep.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
