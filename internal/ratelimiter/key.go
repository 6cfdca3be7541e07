package ratelimiter

import (
	"strings"
)

const keyDelimiter = ":"

// BuildKey derives the rate-limit key of a request. Each configured header and
// then each configured session variable contributes "<name>:<value>", a
// missing value being empty, and the parts are joined with ":". With no
// configured fields every request shares the same, empty, key.
func BuildKey(fields KeyFields, req *Request) string {
	parts := make([]string, 0, len(fields.HeaderNames)+len(fields.SessionVariableNames))

	for _, name := range fields.HeaderNames {
		parts = append(parts, name+keyDelimiter+lookup(req.Headers, name))
	}
	for _, name := range fields.SessionVariableNames {
		parts = append(parts, name+keyDelimiter+lookup(req.SessionVariables, name))
	}

	return strings.Join(parts, keyDelimiter)
}

// lookup matches name exactly first and then lower-cased, since both header
// names and Hasura session variables are case-insensitive.
func lookup(values map[string]string, name string) string {
	if v, ok := values[name]; ok {
		return v
	}
	return values[strings.ToLower(name)]
}
