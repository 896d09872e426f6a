package storage

import (
	"fmt"
	"strings"
)

// formatSQLForLog interpolates positional parameters into a query for debug logs only.
func formatSQLForLog(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	next := 0
	for _, ch := range query {
		if ch == '?' && next < len(args) {
			b.WriteString(formatSQLArg(args[next]))
			next++
			continue
		}
		b.WriteRune(ch)
	}
	if next < len(args) {
		b.WriteString(" /* extra:")
		for _, arg := range args[next:] {
			b.WriteString(" ")
			b.WriteString(formatSQLArg(arg))
		}
		b.WriteString(" */")
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteSQL(v)
	case []byte:
		return quoteSQL(string(v))
	case fmt.Stringer:
		return quoteSQL(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
