package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hitoshi/sociolens/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		if errors.Is(err, app.ErrRateLimited) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
