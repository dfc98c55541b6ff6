// Command sandboxfsd serves the copy-on-write /etc filesystem for one
// sandbox. It is fork-exec'd by the sandbox lifecycle engine (sandbox.Use)
// and runs until its mountpoint is unmounted.
package main

import (
	"fmt"
	"os"

	pflag "github.com/spf13/pflag"

	"github.com/devstructure/sandbox/sandboxfs"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("sandboxfsd", pflag.ContinueOnError)
	mountpoint := fs.String("mountpoint", "", "directory to mount the COW filesystem over")
	shadow := fs.String("shadow", "", "backing directory for the COW filesystem")
	allowOther := fs.Bool("allow-other", true, "allow users other than the mount owner to access the filesystem")
	debug := fs.Bool("debug", false, "print FUSE operation diagnostics to stderr")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *mountpoint == "" || *shadow == "" {
		fmt.Fprintln(os.Stderr, "# [sandboxfsd] --mountpoint and --shadow are required")

		return 1
	}

	var debugf func(format string, args ...any)
	if *debug {
		debugf = func(format string, a ...any) { fmt.Fprintf(os.Stderr, "# [sandboxfsd] "+format+"\n", a...) }
	}

	server, err := sandboxfs.Mount(sandboxfs.Options{
		MountPoint: *mountpoint,
		ShadowRoot: *shadow,
		AllowOther: *allowOther,
		Debugf:     debugf,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "# [sandboxfsd] %v\n", err)

		return 1
	}

	server.Serve()

	return 0
}
