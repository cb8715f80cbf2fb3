// vfsh is an interactive shell over the vfs storage backends.
//
// Usage:
//
//	vfsh [flags] [script]
//
// Examples:
//
//	vfsh                                     memory backend, interactive
//	vfsh --backend disk --root ./data        disk backend rooted at ./data
//	vfsh -f 'quota / 1KiB' < script.txt      run a script under a 1 KiB quota
//	vfsh -e 'open a /x' -e 'write a 0 hi'    run commands and exit
//
// Type 'help' at the prompt for the command list.
package main

import (
	"os"
	"strings"

	"github.com/calvinalkan/vfs/internal/shell"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	os.Exit(shell.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env))
}
