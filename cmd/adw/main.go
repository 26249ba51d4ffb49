// Command adw drives the durable phase pipeline -- Plan, Validate, Build,
// Lint, Test, Review, Document, Ship, Cleanup, Verify -- from an inbound
// issue webhook through to a merged pull request.
package main

import (
	"os"

	"github.com/adw-run/adw/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
