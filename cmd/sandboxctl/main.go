// Command sandboxctl is the multi-verb CLI frontend to the sandbox
// lifecycle engine: list, which, clone, create, destroy, use, mark.
package main

import (
	"os"
)

func main() {
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ()))
}
