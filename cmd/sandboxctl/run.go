package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	pflag "github.com/spf13/pflag"

	"github.com/devstructure/sandbox/config"
	"github.com/devstructure/sandbox/sandbox"
)

const progname = "sandboxctl"

// Run is the entry point isolated from global state (stdin/stdout/stderr,
// argv, environment) so the whole CLI surface is testable without actually
// running as a process. Returns the process exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env []string) int {
	if len(args) < 2 {
		fprintUsage(stderr)

		return 1
	}

	if !isRoot() {
		fprintError(stderr, fmt.Errorf("%w: must be run as root", sandbox.ErrPermission))

		return 1
	}

	verb := args[1]
	rest := args[2:]

	cfg, err := config.Load(getenv(env, "SANDBOXCTL_CONFIG", config.DefaultPath))
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	m := sandbox.New(cfg.StoreRoot)
	m.Forks = cfg.Forks
	m.MarkerGID = cfg.MarkerGID
	if cfg.FUSEAllowOther != nil {
		m.FUSEAllowOther = *cfg.FUSEAllowOther
	}
	m.Warnf = func(format string, args ...any) { fmt.Fprintf(stderr, "# ["+progname+"] "+format+"\n", args...) }

	switch verb {
	case "list":
		return runList(m, rest, stdout, stderr)
	case "which":
		return runWhich(m, rest, stdout, stderr)
	case "clone", "create":
		return runClone(m, rest, stdout, stderr)
	case "destroy":
		return runDestroy(m, rest, stdout, stderr)
	case "use":
		return runUse(m, cfg, rest, stdin, stdout, stderr, env)
	case "mark":
		return runMark(m, rest, stdout, stderr)
	case "-h", "--help":
		fprintUsage(stdout)

		return 0
	default:
		fprintError(stderr, fmt.Errorf("unknown command %q", verb))
		fprintUsage(stderr)

		return 1
	}
}

func isRoot() bool {
	return os.Geteuid() == 0
}

func getenv(env []string, name, fallback string) string {
	prefix := name + "="

	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}

	return fallback
}

func fprintUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: "+progname+" <list|which|clone|create|destroy|use|mark> [options]")
}

func fprintError(out io.Writer, err error) {
	fmt.Fprintln(out, "# ["+progname+"] "+err.Error())
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetInterspersed(true)
	fs.Usage = func() {}

	return fs
}

func runList(m *sandbox.Manager, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list")
	names := fs.BoolP("names", "n", false, "print names only, without the current-sandbox marker")
	quiet := fs.BoolP("quiet", "q", false, "suppress informational output")
	help := fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *help {
		fmt.Fprintln(stdout, "usage: "+progname+" list [-n|--names] [-q|--quiet]")

		return 0
	}

	_ = quiet

	all, err := m.List()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	current, err := m.Which()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	sort.Strings(all)

	for _, name := range all {
		if *names {
			fmt.Fprintln(stdout, name)

			continue
		}

		marker := " "
		if name == current {
			marker = "*"
		}

		fmt.Fprintf(stdout, "%s%s\n", marker, name)
	}

	return 0
}

func runWhich(m *sandbox.Manager, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("which")
	fs.BoolP("quiet", "q", false, "suppress informational output")
	help := fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *help {
		fmt.Fprintln(stdout, "usage: "+progname+" which [-q]")

		return 0
	}

	name, err := m.Which()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	if name != sandbox.BaseName {
		fmt.Fprintln(stdout, name)
	}

	return 0
}

func runClone(m *sandbox.Manager, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("clone")
	fs.BoolP("quiet", "q", false, "suppress informational output")
	help := fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *help {
		fmt.Fprintln(stdout, "usage: "+progname+" clone [<src>] <dest>")

		return 0
	}

	positional := fs.Args()

	var src, dest string

	switch len(positional) {
	case 1:
		dest = positional[0]
	case 2:
		src, dest = positional[0], positional[1]
	default:
		fprintError(stderr, fmt.Errorf("clone requires 1 or 2 positional arguments"))

		return 1
	}

	if err := m.Clone(src, dest); err != nil {
		fprintError(stderr, err)

		return 1
	}

	return 0
}

func runDestroy(m *sandbox.Manager, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("destroy")
	fs.BoolP("quiet", "q", false, "suppress informational output")
	help := fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *help {
		fmt.Fprintln(stdout, "usage: "+progname+" destroy <name>")

		return 0
	}

	positional := fs.Args()
	if len(positional) != 1 {
		fprintError(stderr, fmt.Errorf("destroy requires exactly one name"))

		return 1
	}

	if err := m.Destroy(positional[0]); err != nil {
		fprintError(stderr, err)

		return 1
	}

	return 0
}

func runMark(m *sandbox.Manager, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("mark")
	help := fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *help {
		fmt.Fprintln(stdout, "usage: "+progname+" mark [<name>] <path>")

		return 0
	}

	positional := fs.Args()

	var name, path string

	switch len(positional) {
	case 1:
		path = positional[0]
	case 2:
		name, path = positional[0], positional[1]
	default:
		fprintError(stderr, fmt.Errorf("mark requires 1 or 2 positional arguments"))

		return 1
	}

	if err := m.Mark(name, path); err != nil {
		fprintError(stderr, err)

		return 1
	}

	return 0
}

func runUse(m *sandbox.Manager, cfg config.Config, args []string, stdin io.Reader, stdout, stderr io.Writer, env []string) int {
	fs := newFlagSet("use")
	command := fs.StringP("command", "c", "", "run <cmd> instead of an interactive shell")
	callback := fs.String("callback", "", "run <cmd> after the main command")
	fs.BoolP("quiet", "q", false, "suppress informational output")
	help := fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *help {
		fmt.Fprintln(stdout, "usage: "+progname+" use <name> [-c <cmd>] [--callback <cmd>]")

		return 0
	}

	positional := fs.Args()
	if len(positional) != 1 {
		fprintError(stderr, fmt.Errorf("use requires exactly one sandbox name"))

		return 1
	}

	if getenv(env, "SHELL", "") == "" {
		env = append(env, "SHELL="+cfg.DefaultShell)
	}

	status, err := m.Use(sandbox.UseOptions{
		Name:     positional[0],
		Command:  *command,
		Callback: *callback,
		Env:      env,
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	return status
}
