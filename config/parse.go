// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/scanner"
	"unicode"
)

// A clause is a single parsed profile directive.
type clause struct {
	// name is the instance being declared or configured.
	name string
	// parent is set for instance clauses: the instance from which
	// name is derived.
	parent string
	// params holds the assigned literals: int, float64, string, or bool.
	params map[string]interface{}
	pos    scanner.Position
}

type parser struct {
	scanner scanner.Scanner
	errors  []string
	tok     rune
}

// parse parses a profile from r. The returned clauses are in source
// order.
func parse(filename string, r io.Reader) ([]clause, error) {
	var p parser
	p.scanner.Init(r)
	p.scanner.Filename = filename
	p.scanner.IsIdentRune = func(ch rune, i int) bool {
		return unicode.IsLetter(ch) || ch == '_' ||
			i > 0 && (unicode.IsDigit(ch) || ch == '/' || ch == '-')
	}
	p.scanner.Error = func(s *scanner.Scanner, msg string) {
		p.errorf("%s", msg)
	}
	p.next()
	var clauses []clause
	for p.tok != scanner.EOF && len(p.errors) == 0 {
		c, ok := p.clause()
		if !ok {
			break
		}
		clauses = append(clauses, c)
	}
	if len(p.errors) > 0 {
		return nil, fmt.Errorf("parse error: %s", strings.Join(p.errors, "\n"))
	}
	return clauses, nil
}

func (p *parser) clause() (c clause, ok bool) {
	c.pos = p.scanner.Position
	keyword := p.scanner.TokenText()
	if p.tok != scanner.Ident || (keyword != "param" && keyword != "instance") {
		p.errorf("expected param or instance, got %q", p.scanner.TokenText())
		return c, false
	}
	p.next()
	if c.name, ok = p.ident(); !ok {
		return c, false
	}
	c.params = make(map[string]interface{})
	if keyword == "instance" {
		if c.parent, ok = p.ident(); !ok {
			return c, false
		}
		if p.tok != '(' {
			return c, true
		}
	}
	if p.tok == '(' {
		p.next()
		for p.tok != ')' {
			if p.tok == scanner.EOF {
				p.errorf("unterminated parameter list")
				return c, false
			}
			key, value, ok := p.assign()
			if !ok {
				return c, false
			}
			c.params[key] = value
		}
		p.next()
		return c, true
	}
	key, value, ok := p.assign()
	if !ok {
		return c, false
	}
	c.params[key] = value
	return c, true
}

func (p *parser) assign() (key string, value interface{}, ok bool) {
	if key, ok = p.ident(); !ok {
		return
	}
	if p.tok != '=' {
		p.errorf("expected =, got %q", p.scanner.TokenText())
		return "", nil, false
	}
	p.next()
	value, ok = p.value()
	return
}

func (p *parser) ident() (string, bool) {
	if p.tok != scanner.Ident {
		p.errorf("expected identifier, got %q", p.scanner.TokenText())
		return "", false
	}
	text := p.scanner.TokenText()
	p.next()
	return text, true
}

func (p *parser) value() (interface{}, bool) {
	neg := false
	if p.tok == '-' {
		neg = true
		p.next()
	}
	text := p.scanner.TokenText()
	switch tok := p.tok; {
	case tok == scanner.Int:
		v, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			p.errorf("%v", err)
			return nil, false
		}
		p.next()
		if neg {
			v = -v
		}
		return int(v), true
	case tok == scanner.Float:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.errorf("%v", err)
			return nil, false
		}
		p.next()
		if neg {
			v = -v
		}
		return v, true
	case neg:
		p.errorf("expected number after -, got %q", text)
		return nil, false
	case tok == scanner.String || tok == scanner.RawString:
		v, err := strconv.Unquote(text)
		if err != nil {
			p.errorf("%v", err)
			return nil, false
		}
		p.next()
		return v, true
	case tok == scanner.Ident && (text == "true" || text == "false"):
		p.next()
		return text == "true", true
	}
	p.errorf("expected value, got %q", text)
	return nil, false
}

func (p *parser) next() {
	p.tok = p.scanner.Scan()
}

func (p *parser) errorf(format string, args ...interface{}) {
	p.errors = append(p.errors, fmt.Sprintf("%s: %s", p.scanner.Position, fmt.Sprintf(format, args...)))
}

// parseValue parses a bare command-line literal: an int, float, or
// bool.
func parseValue(s string) (interface{}, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v, nil
	}
	return nil, fmt.Errorf("invalid literal %q", s)
}

// literal renders a value in profile syntax.
func literal(v interface{}) string {
	switch v := v.(type) {
	case string:
		return strconv.Quote(v)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	default:
		return fmt.Sprint(v)
	}
}
