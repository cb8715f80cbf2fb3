package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

const prompt = "vfsh> "

// RunScript executes commands read line by line from in. Failed commands are
// reported on errOut and do not stop the script. It returns the number of
// failed commands, stopping early on "quit".
func (s *Shell) RunScript(in io.Reader, errOut io.Writer) (int, error) {
	sc := bufio.NewScanner(in)
	failed := 0
	lineNo := 0

	for sc.Scan() {
		lineNo++

		err := s.Exec(sc.Text())
		if errors.Is(err, ErrQuit) {
			break
		}

		if err != nil {
			failed++

			_, _ = fmt.Fprintf(errOut, "line %d: error: %s\n", lineNo, describeError(err))
		}
	}

	if err := sc.Err(); err != nil {
		return failed, fmt.Errorf("reading input: %w", err)
	}

	return failed, nil
}

// RunInteractive starts a line-editing REPL on the terminal. History is kept
// in historyPath when it is non-empty.
func (s *Shell) RunInteractive(historyPath string) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(completer)

	if historyPath != "" {
		if f, err := os.Open(historyPath); err == nil {
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}

		defer saveHistory(line, historyPath)
	}

	s.printf("vfsh - type 'help' for commands.\n")

	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				s.printf("\n")

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(input) == "" {
			continue
		}

		line.AppendHistory(input)

		err = s.Exec(input)
		if errors.Is(err, ErrQuit) {
			return nil
		}

		if err != nil {
			s.printf("error: %s\n", describeError(err))
		}
	}
}

func completer(line string) []string {
	if strings.Contains(line, " ") {
		return nil
	}

	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c.name, strings.ToLower(line)) {
			out = append(out, c.name+" ")
		}
	}

	return out
}

func saveHistory(line *liner.State, path string) {
	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = line.WriteHistory(f)
	_ = f.Close()
}

// historyFile returns ~/.vfsh_history, or "" when HOME is unknown.
func historyFile(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".vfsh_history")
}
