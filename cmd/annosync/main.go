package main

import (
	"context"
	"errors"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/surrealdb/annosync/pkg/annosync"
)

func main() {
	if err := annosync.Main(context.Background(), os.Args[1:], os.Stdout); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		// go-flags has already printed the error.
		os.Exit(1)
	}
}
