package storage

import (
	"fmt"
	"strings"
	"time"
)

// formatSQLForLog interpolates positional parameters into query for log
// output only. Extra args are appended as a trailing comment.
func formatSQLForLog(query string, args ...any) string {
	query = strings.Join(strings.Fields(query), " ")
	if query == "" || len(args) == 0 {
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
		rest := make([]string, 0, len(args)-next)
		for _, arg := range args[next:] {
			rest = append(rest, formatSQLArg(arg))
		}
		b.WriteString(" /* args: " + strings.Join(rest, ", ") + " */")
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteSQLString(v)
	case []byte:
		return quoteSQLString(string(v))
	case time.Time:
		return quoteSQLString(v.UTC().Format(time.RFC3339Nano))
	case fmt.Stringer:
		return quoteSQLString(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
