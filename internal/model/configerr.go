package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is one schema violation of a configuration file.
type ConfigErrorDetail struct {
	Path    string // e.g. ingest.filter.max_size
	Code    string
	Message string
	File    string
	Line    int
	Column  int
	Raw     string
}

func (d ConfigErrorDetail) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.String("file", d.File),
		slog.Int("line", d.Line),
		slog.Int("column", d.Column),
	)
}

// rules are tried in order against the CUE message.
var rules = []struct {
	code   string
	re     *regexp.Regexp
	format string
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed|unknown field`), "Field %s is not allowed"},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`), "Field %s is required"},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "Conflicting values for %s"},
	{"invalid_enum", regexp.MustCompile(`(?i)must be one of|expected one of`), "Field %s has invalid value"},
	{"type_mismatch", regexp.MustCompile(`(?i)expected .* got .*`), "Field %s has wrong type/value"},
}

// Humanize turns an error returned by LoadConfig into details suitable for
// structured logging. One detail is kept per file position; errors without a
// position in the configuration file are skipped.
func Humanize(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}
	type pos struct {
		file      string
		line, col int
	}
	seen := make(map[pos]bool)

	var out []ConfigErrorDetail
	for _, e := range cueerrors.Errors(err) {
		d := detail(e)
		if d.File == "" {
			continue
		}
		p := pos{d.File, d.Line, d.Column}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, d)
	}
	return out
}

func detail(e cueerrors.Error) ConfigErrorDetail {
	raw, _ := e.Msg()
	path := e.Path()
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	d := ConfigErrorDetail{
		Path:    strings.Join(path, "."),
		Code:    "validation_error",
		Message: raw,
		Raw:     e.Error(),
	}
	for _, r := range cueerrors.Positions(e) {
		if r.Filename() != "" {
			d.File, d.Line, d.Column = r.Filename(), r.Line(), r.Column()
			break
		}
	}

	field := d.Path
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	for _, r := range rules {
		if r.re.MatchString(raw) {
			d.Code = r.code
			d.Message = fmt.Sprintf(r.format, field)
			break
		}
	}

	if d.Path == "" {
		return d
	}
	v := schema.LookupPath(cue.ParsePath(d.Path))
	if !v.Exists() {
		return d
	}
	if d.Code == "missing_required" && v.Unify(cueCtx.CompileString(`""`)).Err() != nil {
		d.Message += " and must be non-empty"
	}
	// string disjunctions like service.mode list their alternatives
	if values, dflt := enumStrings(v); len(values) > 1 {
		d.Code = "invalid_enum"
		d.Message = fmt.Sprintf("Field %s has invalid value: possible values (%s)", field, strings.Join(values, ","))
		if dflt != "" {
			d.Message += fmt.Sprintf(" (default %s)", dflt)
		}
	}
	return d
}

func enumStrings(v cue.Value) (values []string, dflt string) {
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, dflt
	}
	for _, a := range args {
		if a.Kind() != cue.StringKind || !a.IsConcrete() {
			continue
		}
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, dflt
}
