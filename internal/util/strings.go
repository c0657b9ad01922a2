package util

import "strings"

// SafeName lowercases s and replaces every character that is not safe in
// a file name or a test definition name with "_".
func SafeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var builder strings.Builder
	for _, r := range s {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r == '-', r == '.':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}

	return builder.String()
}
