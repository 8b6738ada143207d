// Command gitview-server runs the gitview server. It is shorthand for
// "gitview server start" and accepts the same flags.
package main

import (
	"os"

	"github.com/kilupskalvis/gitview/internal/cli"
)

func main() {
	if err := cli.ExecuteServer(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
