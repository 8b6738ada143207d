package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/spf13/cobra"
)

var filterShowOps bool

var filterCmd = &cobra.Command{
	Use:   "filter <expr>...",
	Short: "Parse and normalize filter expressions",
	Long: `Parse one or more filter expressions, compose them left to right and print
the canonical form and the view id. Views with the same canonical form share
their rewritten history.

Examples:
  gitview filter :/libs/core
  gitview filter ':prefix=vendor' ':/vendor/lib'
  gitview filter --ops ':exclude[**/*.bin]:rename[a=b]'`,
	Args: cobra.MinimumNArgs(1),
	Run:  runFilter,
}

func init() {
	filterCmd.Flags().BoolVar(&filterShowOps, "ops", false, "List the normalized operations")
}

func runFilter(_ *cobra.Command, args []string) {
	specs := make([]filter.Spec, 0, len(args))
	for _, expr := range args {
		spec, err := filter.Parse(expr)
		if err != nil {
			var pe *filter.ParseError
			if errors.As(err, &pe) {
				fmt.Fprintf(os.Stderr, "  %s\n  %*s", expr, pe.Pos, "")
				color.New(color.FgRed).Fprintln(os.Stderr, "^")
			}
			exitError("%v", err)
		}
		specs = append(specs, spec)
	}
	spec := filter.Compose(specs...)

	fmt.Printf("filter: %s\n", spec)
	fmt.Printf("id:     %s\n", spec.ID())
	if spec.IsIdentity() {
		color.New(color.FgYellow).Println("(identity: the view is the full history)")
	}
	if filterShowOps {
		for i, op := range spec.Ops() {
			fmt.Printf("  %d. %-8s %s\n", i+1, op.Kind, op)
		}
	}
}
