package catalog

import (
	"fmt"
	"regexp"
	"strings"

	tberrors "github.com/tabulard/tabulard/internal/errors"
)

// ScratchTable holds the materialized result of the most recent RunQuery.
const ScratchTable = "__lastQuery"

// swapPrefix names tables that exist only inside a replacement transaction.
const swapPrefix = "__swap_"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTableName checks that name is usable as a caller-supplied table name.
func ValidateTableName(name string) error {
	if name == "" {
		return tberrors.NewValidationError(tberrors.CodeMissingArgument, "tableName is required")
	}
	if !tableNamePattern.MatchString(name) {
		return tberrors.NewValidationError(tberrors.CodeInvalidTableName,
			fmt.Sprintf("invalid table name %q: use letters, digits and underscores, not starting with a digit", name))
	}
	if isInternalTable(name) || strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return tberrors.NewValidationError(tberrors.CodeInvalidTableName,
			fmt.Sprintf("table name %q is reserved", name))
	}
	return nil
}

// isInternalTable reports whether name is the scratch table or a swap table.
// The engine compares identifiers case-insensitively, so we do too.
func isInternalTable(name string) bool {
	return strings.EqualFold(name, ScratchTable) ||
		strings.HasPrefix(strings.ToLower(name), swapPrefix)
}

// quoteIdent quotes an identifier for interpolation into SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// normalizeStatement checks that sql holds exactly one statement and returns
// it without a trailing semicolon, ready to be embedded in CREATE TABLE AS.
func normalizeStatement(sql string) (string, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return "", tberrors.NewValidationError(tberrors.CodeMissingArgument, "query is required")
	}

	end := -1
	runes := []rune(trimmed)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; {
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
		case isSpace(c):
		case c == ';':
			if end < 0 {
				end = i
			}
		case end >= 0:
			return "", tberrors.NewValidationError(tberrors.CodeMultipleStatement,
				"only a single statement is allowed")
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(runes, i, c)
		case c == '[':
			i = skipQuoted(runes, i, ']')
		}
	}

	if end >= 0 {
		trimmed = strings.TrimSpace(string(runes[:end]))
	}
	if trimmed == "" {
		return "", tberrors.NewValidationError(tberrors.CodeMissingArgument, "query is required")
	}
	return trimmed, nil
}

// skipQuoted returns the index of the closing quote for the literal opened
// at start. A doubled closing quote is an escape.
func skipQuoted(runes []rune, start int, closing rune) int {
	for i := start + 1; i < len(runes); i++ {
		if runes[i] != closing {
			continue
		}
		if closing != ']' && i+1 < len(runes) && runes[i+1] == closing {
			i++
			continue
		}
		return i
	}
	return len(runes)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f'
}
