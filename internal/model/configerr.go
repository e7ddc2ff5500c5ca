package model

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a preferences file
type CueErrorDetail struct {
	Path    string // execution.connect-timeout
	Code    string // missing_required | unknown_field | conflicting_values | invalid_enum | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string // message reported by CUE
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// rules are tried in order, the first matching one names the error
var rules = []struct {
	rx     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "Field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "Field %s is required"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "Conflicting values for %s"},
	{regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`), "invalid_enum", "Field %s has invalid value"},
	{regexp.MustCompile(`(?i)expected .* got .*|invalid value`), "type_mismatch", "Field %s has wrong type/value"},
}

// enumFields are the string disjunctions worth listing in error messages
var enumFields = map[string]cue.Path{
	"service.mode":     cue.MakePath(cue.Str("service"), cue.Str("mode")),
	"external-changes": cue.MakePath(cue.Str("external-changes")),
}

// CueErrDetails turns an error of LoadPreferences into a list of
// readable details, nil for errors not coming from CUE
func CueErrDetails(err error) []CueErrorDetail {
	var cerr cueerrors.Error
	if !errors.As(err, &cerr) {
		return nil
	}

	type key struct {
		path string
		pos  CueErrorPosition
	}
	seen := make(map[key]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		// incomplete values may have no position at all
		pos := position(e)
		path := fieldPath(e.Path())
		k := key{path: path, pos: pos}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		raw, _ := e.Msg()
		d := CueErrorDetail{
			Path: path,
			Code: "validation_error",
			Pos:  pos,
			Raw:  e.Error(),
		}
		d.Message = raw
		for _, r := range rules {
			if r.rx.MatchString(raw) {
				d.Code = r.code
				d.Message = fmt.Sprintf(r.format, lastField(path))
				break
			}
		}
		if sel, ok := enumFields[path]; ok {
			d.Message += enumHint(schema.LookupPath(sel))
		}
		out = append(out, d)
	}
	return out
}

func enumHint(v cue.Value) string {
	values, dflt := enumStrings(v)
	hint := fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
	if dflt != "" {
		hint += fmt.Sprintf(" (default %s)", dflt)
	}
	return hint
}

// enumStrings returns the string alternatives of a disjunction and its default
func enumStrings(v cue.Value) (values []string, dflt string) {
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	alternatives := []cue.Value{v}
	if op, args := v.Expr(); op == cue.OrOp {
		alternatives = args
	}
	for _, a := range alternatives {
		if a.Kind() != cue.StringKind {
			continue
		}
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, dflt
}

// position is the first position of err inside a named file, zero if none
func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

// fieldPath joins the selectors of p without the leading #Preferences and
// without quotes around labels like "external-changes"
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	fields := make([]string, len(p))
	for i, s := range p {
		fields[i] = strings.Trim(s, `"`)
	}
	return strings.Join(fields, ".")
}

func lastField(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
