// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command lua is a standalone interpreter for the Lua programming language,
// roughly equivalent in behavior to [lua(1)].
//
// [lua(1)]: https://www.lua.org/manual/5.4/lua.html
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"luaforge.dev/lua/internal/code"
	"luaforge.dev/lua/internal/vm"
	"zombiezen.com/go/log"
)

type options struct {
	execute     []string
	requireLibs []string
	interactive bool
	showVersion bool
	debug       bool
	scriptPath  string
	scriptArgs  []string
}

func main() {
	c := &cobra.Command{
		Use:                   "lua [options] [script [args]]",
		Short:                 "lua",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(options)
	c.Flags().StringArrayVarP(&opts.execute, "execute", "e", nil, "execute string `stat`")
	c.Flags().StringArrayVarP(&opts.requireLibs, "require", "l", nil, "require library `name` into global of same name")
	c.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "enter interactive mode after running script")
	c.Flags().BoolVarP(&opts.showVersion, "version", "v", false, "show version information")
	c.Flags().BoolVar(&opts.debug, "debug", false, "show debugging output")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		initLogging(opts.debug)
		if len(args) > 0 {
			opts.scriptPath = args[0]
			opts.scriptArgs = args[1:]
		}
		return run(cmd.OutOrStdout(), opts)
	}
	if err := c.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lua:", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

// initLogging wires the leveled logger used for operator diagnostics
// (not script output, not the "lua: <msg>" error contract).
func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "lua: ", log.StdFlags, nil),
		})
	})
}

func run(stdout io.Writer, opts *options) error {
	ctx := context.Background()
	state := new(vm.State)
	defer state.Close()
	if err := vm.OpenLibraries(state, &vm.StdlibOptions{
		Base: &vm.BaseOptions{Output: stdout},
	}); err != nil {
		return err
	}
	log.Debugf(ctx, "opened standard libraries")

	if opts.showVersion {
		fmt.Fprintln(stdout, vm.Version)
		if opts.scriptPath == "" && len(opts.execute) == 0 && !opts.interactive {
			return nil
		}
	}

	if err := setArgTable(state, opts.scriptPath, opts.scriptArgs); err != nil {
		return err
	}

	for _, lib := range opts.requireLibs {
		log.Debugf(ctx, "requiring %s", lib)
		if err := requireGlobal(state, lib); err != nil {
			return err
		}
	}

	for _, stat := range opts.execute {
		if err := doString(state, stat); err != nil {
			return err
		}
	}

	ranScript := false
	if opts.scriptPath != "" {
		log.Debugf(ctx, "running %s", opts.scriptPath)
		if err := doFile(state, opts.scriptPath, opts.scriptArgs); err != nil {
			return err
		}
		ranScript = true
	}

	if opts.interactive || (!ranScript && len(opts.execute) == 0) {
		return repl(state, stdout)
	}
	return nil
}

func doString(l *vm.State, source string) error {
	if err := l.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		return err
	}
	return l.Call(0, 0, 0)
}

func doFile(l *vm.State, path string, args []string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := l.Load(bufio.NewReader(f), code.FilenameSource(path), "bt"); err != nil {
		return err
	}
	for range args {
		l.PushNil()
	}
	return l.Call(len(args), 0, 0)
}

func requireGlobal(l *vm.State, name string) error {
	if _, err := l.Global("require", 0); err != nil {
		return err
	}
	l.PushString(name)
	if err := l.Call(1, 1, 0); err != nil {
		return err
	}
	return l.SetGlobal(name, 0)
}

// setArgTable installs the global "arg" table,
// populated the way the reference lua(1) interpreter does:
// arg[0] is the script path, arg[1:] are the script's arguments,
// and arg[-1] is the interpreter's own executable path.
func setArgTable(l *vm.State, scriptPath string, scriptArgs []string) error {
	l.CreateTable(len(scriptArgs), 2)
	l.PushString(scriptPath)
	l.RawSetIndex(-2, 0)
	for i, a := range scriptArgs {
		l.PushString(a)
		l.RawSetIndex(-2, int64(i+1))
	}
	l.PushString(os.Args[0])
	l.RawSetIndex(-2, -1)
	return l.SetGlobal("arg", 0)
}

func repl(l *vm.State, stdout io.Writer) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Fprintln(stdout, vm.Version)
	}
	in := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Fprint(stdout, "> ")
		}
		if !in.Scan() {
			fmt.Fprintln(stdout)
			return in.Err()
		}
		line := in.Text()
		if err := replEval(l, stdout, line); err != nil {
			fmt.Fprintln(os.Stderr, "lua:", err)
		}
	}
}

// replEval evaluates a single line of input,
// first attempting to treat it as an expression to print
// (as the reference implementation does by prepending "return"),
// falling back to evaluating it as a statement.
func replEval(l *vm.State, stdout io.Writer, line string) error {
	err := l.Load(strings.NewReader("return "+line), code.LiteralSource(line), "t")
	if err != nil {
		err = l.Load(strings.NewReader(line), code.LiteralSource(line), "t")
	}
	if err != nil {
		return err
	}
	if err := l.Call(0, vm.MultipleReturns, 0); err != nil {
		return err
	}
	n := l.Top()
	if n == 0 {
		return nil
	}
	for i := 1; i <= n; i++ {
		s, err := vm.ToString(l, i)
		if err != nil {
			return err
		}
		if i > 1 {
			fmt.Fprint(stdout, "\t")
		}
		fmt.Fprint(stdout, s)
	}
	fmt.Fprintln(stdout)
	l.SetTop(0)
	return nil
}
