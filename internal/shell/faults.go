package shell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

var errFaultUsage = errors.New(`usage: error <op> <path> <kind> | quota <scope> <size> | badregion <path> <start> <end> | torn <path> <keep>, optionally followed by after=N times=N rate=F prefix`)

// parseFault turns a textual fault into a rule. A path of "*" matches
// every file. Accepted forms:
//
//	error <op> <path> <kind> [after=N] [times=N] [rate=F] [prefix]
//	quota <scope> <size>             size accepts units: 64KiB, 1MB
//	badregion <path> <start> <end>   [after=N] [times=N] [rate=F] [prefix]
//	torn <path> <keep>               [after=N] [times=N] [rate=F] [prefix]
func parseFault(spec string) (vfs.Rule, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return vfs.Rule{}, errFaultUsage
	}

	var (
		r    vfs.Rule
		rest []string
		err  error
	)

	switch strings.ToLower(fields[0]) {
	case "error":
		if len(fields) < 4 {
			return vfs.Rule{}, errFaultUsage
		}

		r.Type = vfs.RuleError

		r.Op, err = vfs.ParseFaultOp(fields[1])
		if err != nil {
			return vfs.Rule{}, err
		}

		r.Path = pathArg(fields[2])

		r.Kind, err = vfs.ParseKind(fields[3])
		if err != nil {
			return vfs.Rule{}, err
		}

		rest = fields[4:]

	case "quota":
		if len(fields) != 3 {
			return vfs.Rule{}, errFaultUsage
		}

		size, err := humanize.ParseBytes(fields[2])
		if err != nil {
			return vfs.Rule{}, fmt.Errorf("quota size: %w", err)
		}

		r = vfs.Rule{Type: vfs.RuleQuota, Path: pathArg(fields[1]), Bytes: int64(size)}

	case "badregion":
		if len(fields) < 4 {
			return vfs.Rule{}, errFaultUsage
		}

		r = vfs.Rule{Type: vfs.RuleBadRegion, Path: pathArg(fields[1])}

		if r.Start, err = parseInt("start", fields[2]); err != nil {
			return vfs.Rule{}, err
		}

		if r.End, err = parseInt("end", fields[3]); err != nil {
			return vfs.Rule{}, err
		}

		rest = fields[4:]

	case "torn":
		if len(fields) < 3 {
			return vfs.Rule{}, errFaultUsage
		}

		r = vfs.Rule{Type: vfs.RuleTornWrite, Path: pathArg(fields[1])}

		if r.Keep, err = parseInt("keep", fields[2]); err != nil {
			return vfs.Rule{}, err
		}

		rest = fields[3:]

	default:
		return vfs.Rule{}, fmt.Errorf("unknown fault %q: %w", fields[0], errFaultUsage)
	}

	if err := parseModifiers(&r, rest); err != nil {
		return vfs.Rule{}, err
	}

	return r, nil
}

func parseModifiers(r *vfs.Rule, args []string) error {
	for _, arg := range args {
		if arg == "prefix" {
			r.Prefix = true

			continue
		}

		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("unexpected argument %q: %w", arg, errFaultUsage)
		}

		var err error

		switch key {
		case "after":
			r.After, err = parseInt(key, val)
		case "times":
			r.Times, err = parseInt(key, val)
		case "rate":
			r.Rate, err = strconv.ParseFloat(val, 64)
			if err != nil {
				err = fmt.Errorf("rate: %w", err)
			}
		default:
			err = fmt.Errorf("unknown modifier %q: %w", key, errFaultUsage)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func parseInt(name, s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	return n, nil
}

// formatRule renders a rule in the syntax parseFault accepts.
func formatRule(r vfs.Rule) string {
	var b strings.Builder

	switch r.Type {
	case vfs.RuleError:
		fmt.Fprintf(&b, "error %s %s %s", r.Op, orAll(r.Path), strings.ReplaceAll(r.Kind.String(), " ", "_"))
	case vfs.RuleQuota:
		fmt.Fprintf(&b, "quota %s %d", orAll(r.Path), r.Bytes)
	case vfs.RuleBadRegion:
		fmt.Fprintf(&b, "badregion %s %d %d", orAll(r.Path), r.Start, r.End)
	case vfs.RuleTornWrite:
		fmt.Fprintf(&b, "torn %s %d", orAll(r.Path), r.Keep)
	default:
		b.WriteString(r.Type.String())
	}

	if r.Prefix {
		b.WriteString(" prefix")
	}

	if r.After > 0 {
		fmt.Fprintf(&b, " after=%d", r.After)
	}

	if r.Times > 0 {
		fmt.Fprintf(&b, " times=%d", r.Times)
	}

	if r.Rate > 0 {
		fmt.Fprintf(&b, " rate=%g", r.Rate)
	}

	return b.String()
}

// pathArg maps "*" to the empty rule path, which matches every file.
func pathArg(s string) string {
	if s == "*" {
		return ""
	}

	return s
}

func orAll(p string) string {
	if p == "" {
		return "*"
	}

	return p
}
