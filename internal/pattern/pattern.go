// Package pattern parses filenames against templates such as
//
//	S_NWC_{segment}_{platform}_{orbit:05d}_{start:%Y%m%dT%H%M%S%f}Z.{ext}
//
// Plain fields match up to the next underscore, integer fields (d) yield an
// int and strftime fields yield a UTC time.Time.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoMatch = errors.New("no match")
	ErrSyntax  = errors.New("invalid template")
)

type kind int

const (
	kindString kind = iota
	kindInt
	kindTime
)

type field struct {
	name string
	kind kind
	// time fields only
	sub        *regexp.Regexp
	directives []byte
}

type Pattern struct {
	raw    string
	re     *regexp.Regexp
	fields []field
}

// Compile parses tmpl. Field names must be unique identifiers.
func Compile(tmpl string) (*Pattern, error) {
	var sb strings.Builder
	sb.WriteByte('^')
	p := &Pattern{raw: tmpl}
	seen := map[string]struct{}{}

	rest := tmpl
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			sb.WriteString(regexp.QuoteMeta(rest))
			break
		}
		sb.WriteString(regexp.QuoteMeta(rest[:open]))
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: unclosed field in %q", ErrSyntax, tmpl)
		}
		spec := rest[open+1 : open+end]
		rest = rest[open+end+1:]

		name, format, _ := strings.Cut(spec, ":")
		if !validName(name) {
			return nil, fmt.Errorf("%w: bad field name %q", ErrSyntax, name)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrSyntax, name)
		}
		seen[name] = struct{}{}

		f, expr, err := compileField(name, format)
		if err != nil {
			return nil, err
		}
		p.fields = append(p.fields, f)
		sb.WriteString("(" + expr + ")")
	}
	sb.WriteByte('$')

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	p.re = re
	return p, nil
}

func MustCompile(tmpl string) *Pattern {
	p, err := Compile(tmpl)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) String() string { return p.raw }

// Parse matches s against the whole template and returns the field values.
func (p *Pattern) Parse(s string) (map[string]any, error) {
	m := p.re.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%q against %q: %w", s, p.raw, ErrNoMatch)
	}
	out := make(map[string]any, len(p.fields))
	for i, f := range p.fields {
		v := m[i+1]
		switch f.kind {
		case kindString:
			out[f.name] = v
		case kindInt:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = n
		case kindTime:
			t, err := f.parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = t
		}
	}
	return out, nil
}

func compileField(name, format string) (field, string, error) {
	f := field{name: name}
	switch {
	case format == "":
		return f, `[^_]+`, nil
	case strings.HasSuffix(format, "d"):
		f.kind = kindInt
		width := strings.TrimPrefix(strings.TrimSuffix(format, "d"), "0")
		if width == "" {
			return f, `\d+`, nil
		}
		n, err := strconv.Atoi(width)
		if err != nil || n < 1 {
			return f, "", fmt.Errorf("%w: bad width in %q", ErrSyntax, format)
		}
		return f, fmt.Sprintf(`\d{%d}`, n), nil
	case strings.Contains(format, "%"):
		f.kind = kindTime
		capturing, plain, directives, err := timeExpr(format)
		if err != nil {
			return f, "", err
		}
		f.directives = directives
		f.sub = regexp.MustCompile("^" + capturing + "$")
		return f, plain, nil
	}
	return f, "", fmt.Errorf("%w: unsupported format %q", ErrSyntax, format)
}

var directiveExpr = map[byte]string{
	'Y': `\d{4}`,
	'y': `\d{2}`,
	'm': `\d{2}`,
	'd': `\d{2}`,
	'H': `\d{2}`,
	'M': `\d{2}`,
	'S': `\d{2}`,
	'j': `\d{3}`,
	'f': `\d{1,6}`,
}

// timeExpr translates a strftime format into a regexp with one group per
// directive and into the same regexp without groups.
func timeExpr(format string) (string, string, []byte, error) {
	var capturing, plain strings.Builder
	var directives []byte
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			lit := regexp.QuoteMeta(string(c))
			capturing.WriteString(lit)
			plain.WriteString(lit)
			continue
		}
		i++
		if i == len(format) {
			return "", "", nil, fmt.Errorf("%w: dangling %% in %q", ErrSyntax, format)
		}
		d := format[i]
		if d == '%' {
			capturing.WriteByte('%')
			plain.WriteByte('%')
			continue
		}
		expr, ok := directiveExpr[d]
		if !ok {
			return "", "", nil, fmt.Errorf("%w: unsupported directive %%%c", ErrSyntax, d)
		}
		capturing.WriteString("(" + expr + ")")
		plain.WriteString(expr)
		directives = append(directives, d)
	}
	return capturing.String(), plain.String(), directives, nil
}

func (f field) parseTime(s string) (time.Time, error) {
	m := f.sub.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("%q: %w", s, ErrNoMatch)
	}
	year, month, day := 1900, 1, 1
	var hour, minute, sec, nsec, yday int
	for i, d := range f.directives {
		v := m[i+1]
		n, err := strconv.Atoi(v)
		if err != nil {
			return time.Time{}, err
		}
		switch d {
		case 'Y':
			year = n
		case 'y':
			year = 1900 + n
			if n < 69 {
				year = 2000 + n
			}
		case 'm':
			month = n
		case 'd':
			day = n
		case 'H':
			hour = n
		case 'M':
			minute = n
		case 'S':
			sec = n
		case 'j':
			yday = n
		case 'f':
			nsec = n * pow10(9-len(v))
		}
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, fmt.Errorf("%q: date out of range", s)
	}
	if yday > 0 {
		return time.Date(year, 1, yday, hour, minute, sec, nsec, time.UTC), nil
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, nsec, time.UTC), nil
}

func pow10(n int) int {
	r := 1
	for range n {
		r *= 10
	}
	return r
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
