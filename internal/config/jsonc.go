package config

import (
	"strings"
)

// StripJSONComments removes // and /* */ comments from JSONC content.
// Comment markers inside strings are kept.
func StripJSONComments(data []byte) []byte {
	input := string(data)
	var result strings.Builder
	result.Grow(len(input))

	inString := false
	escaped := false
	for i := 0; i < len(input); i++ {
		c := input[i]

		if inString {
			result.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			result.WriteByte(c)
			continue
		}

		if c == '/' && i+1 < len(input) {
			switch input[i+1] {
			case '/':
				for i < len(input) && input[i] != '\n' {
					i++
				}
				if i < len(input) {
					result.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(input[i+2:], "*/")
				if end < 0 {
					return []byte(result.String())
				}
				i += 2 + end + 1
				continue
			}
		}

		result.WriteByte(c)
	}

	return []byte(result.String())
}
