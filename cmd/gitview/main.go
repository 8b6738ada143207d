// Command gitview is the operator CLI of the gitview server.
package main

import (
	"os"

	"github.com/kilupskalvis/gitview/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
