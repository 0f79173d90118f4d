package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/micspool/micspool"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		// Losing the lock to a running instance is a clean, expected exit.
		if errors.Is(err, micspool.ErrHeld) {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
