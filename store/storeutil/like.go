// Package storeutil holds query helpers shared by the SQL stores.
package storeutil

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsPattern turns a free-text search term into a lower-cased LIKE
// pattern matching it anywhere. Wildcards in q are escaped, so the pattern
// must be used with ESCAPE '\'. An empty q yields "".
func ContainsPattern(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return ""
	}
	return "%" + likeEscaper.Replace(q) + "%"
}
