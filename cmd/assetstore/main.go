// Command assetstore is the operator CLI for a content-addressable asset store.
package main

import (
	"os"

	"github.com/kilupskalvis/assetstore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
