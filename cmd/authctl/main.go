// Command authctl is the operator tool for the embedded identity service.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"datacat.org/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmds, err := newCommandSet(builtinCommands()...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	global := flag.NewFlagSet("authctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "Path to a YAML or TOML config file")
	global.Usage = func() { cmds.usage(stderr) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		cmds.usage(stderr)
		return 2
	}
	cmd, ok := cmds.lookup(global.Arg(0))
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", global.Arg(0))
		cmds.usage(stderr)
		return 2
	}

	cfg, err := config.Load(config.WithConfigFile(*configPath))
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	e := env{cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr}
	if err := cmd.Run(e, global.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "%s: %s\n", cmd.Name, cmd.Description)
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", cmd.Name, err)
		return 1
	}
	return 0
}
