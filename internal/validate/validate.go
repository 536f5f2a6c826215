// Package validate screens submitted SQL before a task is admitted. It is a
// keyword and balance check, not a parser: malformed SQL without any
// offending keyword passes.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

type Kind int

const (
	KindDDL Kind = iota
	KindQuery
)

func (k Kind) String() string {
	if k == KindDDL {
		return "ddl"
	}
	return "query"
}

// Report is the outcome for one statement or, aggregated, a submission.
type Report struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *Report) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

func (r *Report) addWarning(msg string) {
	for _, w := range r.Warnings {
		if w == msg {
			return
		}
	}
	r.Warnings = append(r.Warnings, msg)
}

// ValidationError rejects a whole submission.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "sql validation failed: " + strings.Join(e.Errors, "; ")
}

var (
	lineComment  = regexp.MustCompile(`(?m)--.*$`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Clean strips comments and collapses whitespace.
func Clean(sql string) string {
	sql = lineComment.ReplaceAllString(sql, "")
	sql = blockComment.ReplaceAllString(sql, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(sql, " "))
}

// Statement checks one statement against the dialect.
func Statement(d Dialect, sql string, kind Kind) Report {
	r := Report{Valid: true}
	cleaned := Clean(sql)
	if cleaned == "" {
		r.addError("statement is empty")
		return r
	}
	checkParentheses(cleaned, &r)
	checkQuotes(cleaned, &r)

	upper := strings.ToUpper(cleaned)
	for _, kw := range d.ForbiddenKeywords() {
		if strings.Contains(upper, kw) {
			r.addError("forbidden keyword: " + kw)
		}
	}
	if !r.Valid {
		return r
	}

	switch kind {
	case KindDDL:
		if !containsAny(upper, d.DDLKeywords()) {
			r.addWarning("statement contains no DDL keyword")
		}
	case KindQuery:
		if containsAny(upper, modificationKeywords) {
			r.addWarning("query modifies data")
		}
		if !containsAny(upper, d.DMLKeywords()) {
			r.addWarning("query contains no DML keyword")
		}
	}
	for _, a := range d.advisories() {
		if strings.Contains(upper, a.pattern) {
			r.addWarning(a.message)
		}
	}
	return r
}

// Batch validates a list of statements of the same kind.
func Batch(d Dialect, statements []string, kind Kind) []Report {
	out := make([]Report, 0, len(statements))
	for _, s := range statements {
		out = append(out, Statement(d, s, kind))
	}
	return out
}

// Submission validates the DSN and every statement. The aggregated report
// carries messages prefixed with the statement kind and 1-based index. A
// *ValidationError is returned if any statement fails; an ErrInvalidDSN
// wrapped error if the DSN cannot be parsed.
func Submission(dsn string, ddl, queries []string) (Report, error) {
	parsed, err := ParseDSN(dsn)
	if err != nil {
		return Report{}, err
	}
	dialect, known := parsed.Dialect()

	agg := Report{Valid: true, Errors: []string{}, Warnings: []string{}}
	if !known {
		agg.addWarning(fmt.Sprintf("unknown database type %q, validating as %s", parsed.Scheme, dialect))
	}
	merge := func(kind Kind, reports []Report) {
		for i, r := range reports {
			for _, e := range r.Errors {
				agg.addError(fmt.Sprintf("%s %d: %s", kind, i+1, e))
			}
			for _, w := range r.Warnings {
				agg.addWarning(fmt.Sprintf("%s %d: %s", kind, i+1, w))
			}
		}
	}
	merge(KindDDL, Batch(dialect, ddl, KindDDL))
	merge(KindQuery, Batch(dialect, queries, KindQuery))

	if !agg.Valid {
		return agg, &ValidationError{Errors: agg.Errors, Warnings: agg.Warnings}
	}
	return agg, nil
}

func checkParentheses(sql string, r *Report) {
	depth := 0
	for _, c := range sql {
		switch c {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				r.addError("unbalanced parentheses: unexpected closing parenthesis")
				return
			}
			depth--
		}
	}
	if depth > 0 {
		r.addError("unbalanced parentheses: unclosed parenthesis")
	}
}

func checkQuotes(sql string, r *Report) {
	if strings.Count(sql, "'")%2 != 0 {
		r.addError("unbalanced single quotes")
	}
	if strings.Count(sql, `"`)%2 != 0 {
		r.addError("unbalanced double quotes")
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
