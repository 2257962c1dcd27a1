// Package sqlutil provides SQL helpers shared by the MySQL stores.
package sqlutil

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers the stores react to.
const (
	ErrNumDuplicateEntry uint16 = 1062
	ErrNumDeadlock       uint16 = 1213
)

// QuoteIdentifier quotes a MySQL identifier with backticks, doubling any
// embedded backtick.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// IsDuplicateEntry reports whether err is a MySQL unique key violation.
func IsDuplicateEntry(err error) bool {
	return hasErrorNumber(err, ErrNumDuplicateEntry)
}

// IsDeadlock reports whether err is a MySQL deadlock rollback.
func IsDeadlock(err error) bool {
	return hasErrorNumber(err, ErrNumDeadlock)
}

func hasErrorNumber(err error, number uint16) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == number
}

// Placeholders returns "?, ?, ..." with n markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk[T any](ids []T, size int) [][]T {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// Args converts a typed slice into query arguments.
func Args[T any](values []T) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
