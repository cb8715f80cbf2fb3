package shell

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
)

const usageText = `Usage: vfsh [flags] [script]

Runs vfs commands against a memory or disk backend with fault injection.
Commands are read from script, or from stdin when no script is given. A
terminal on stdin gets an interactive prompt with history.

Config is read from .vfsh.json in the working directory (JSONC), or from
--config. Flags override the file.`

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string) int {
	flags := flag.NewFlagSet("vfsh", flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{}) // discard pflag output

	var (
		overrides  Config
		configPath string
		faults     []string
		execs      []string
	)

	flags.StringVarP(&configPath, "config", "c", "", "config file (JSONC)")
	flags.StringVarP(&overrides.Backend, "backend", "b", BackendMemory, "backend: memory or disk")
	flags.StringVarP(&overrides.Root, "root", "r", "", "host directory for the disk backend")
	flags.BoolVar(&overrides.StrictDirSync, "strict-dir-sync", false, "memory: entries need syncdir to survive a crash")
	flags.StringVar(&overrides.LogLevel, "log-level", "warn", "debug, info, warn or error")
	flags.Int64Var(&overrides.Seed, "seed", 0, "seed for fault rates and crash writeback")
	flags.StringArrayVarP(&faults, "fault", "f", nil, "fault rule to install (repeatable)")
	flags.StringArrayVarP(&execs, "exec", "e", nil, "run a command and exit (repeatable)")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, flags)

			return 0
		}

		fprintln(errOut, "error:", err)
		printUsage(errOut, flags)

		return 1
	}

	overrides.Faults = faults

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir:          env["PWD"],
		ConfigPath:       configPath,
		Overrides:        overrides,
		SetBackend:       flags.Changed("backend"),
		SetRoot:          flags.Changed("root"),
		SetStrictDirSync: flags.Changed("strict-dir-sync"),
		SetLogLevel:      flags.Changed("log-level"),
		SetSeed:          flags.Changed("seed"),
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	level, _ := parseLevel(cfg.LogLevel) // validated by LoadConfig
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	sh, err := New(cfg, out, logger)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() {
		if err := sh.Close(); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()

	switch {
	case len(execs) > 0:
		return exitCode(errOut)(sh.RunScript(strings.NewReader(strings.Join(execs, "\n")), errOut))

	case flags.NArg() > 0:
		f, err := os.Open(flags.Arg(0))
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}
		defer f.Close()

		return exitCode(errOut)(sh.RunScript(f, errOut))

	case isTerminal(in):
		if err := sh.RunInteractive(historyFile(env)); err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}

		return 0

	default:
		return exitCode(errOut)(sh.RunScript(in, errOut))
	}
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitCode maps a RunScript result to an exit code, reporting read errors.
func exitCode(errOut io.Writer) func(failed int, err error) int {
	return func(failed int, err error) int {
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}

		if failed > 0 {
			return 1
		}

		return 0
	}
}

func printUsage(w io.Writer, flags *flag.FlagSet) {
	fprintln(w, usageText)
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, strings.TrimRight(flags.FlagUsages(), "\n"))
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
