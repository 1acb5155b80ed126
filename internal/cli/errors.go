package cli

import (
	"fmt"
	"os"

	"github.com/randalmurphal/workrun/internal/errors"
)

// PrintError prints an error to stderr. Structured errors use their
// user-facing format; in verbose mode the code and cause follow.
func PrintError(err error) {
	if e := errors.AsError(err); e != nil {
		fmt.Fprintln(os.Stderr, e.UserMessage())
		if verbose {
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", e.Code)
			if e.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", e.Cause)
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
