package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/distr1/envbind"
	"github.com/distr1/envbind/internal/oninterrupt"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"apply":    {cmdapply},
		"destroy":  {cmddestroy},
		"init":     {cmdinit},
		"snapshot": {cmdsnapshot},
	}

	args := flag.Args()
	verb := "apply"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "envbind [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tapply    - realize and apply the current configuration\n")
		fmt.Fprintf(os.Stderr, "\tdestroy  - tear down every applied bind\n")
		fmt.Fprintf(os.Stderr, "\tinit     - scaffold a new configuration file\n")
		fmt.Fprintf(os.Stderr, "\tsnapshot - inspect and manage snapshots\n")
		os.Exit(2)
	}

	ctx, canc := envbind.InterruptibleContext()
	defer canc()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: envbind <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return envbind.RunAtExit()
}

func main() {
	log.SetFlags(0)
	oninterrupt.Register(func() {
		fmt.Fprintln(os.Stderr, "envbind: interrupted, cleaning up")
	})
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
