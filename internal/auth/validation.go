package auth

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 64
	maxFullnameLength = 200
)

func isUsernameSeparator(r rune) bool {
	return r == '.' || r == '_' || r == '-'
}

// ValidateUsername checks the local account username rules: lowercase [a-z0-9._-],
// 3 to 64 characters, no leading, trailing or doubled separators.
func ValidateUsername(username string) error {
	n := len(username)
	if n < minUsernameLength || n > maxUsernameLength {
		return fmt.Errorf("%w: username must be %d to %d characters", ErrInvalidInput, minUsernameLength, maxUsernameLength)
	}
	prevSep := false
	for i, r := range username {
		sep := isUsernameSeparator(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case sep:
			if i == 0 || i == n-1 {
				return fmt.Errorf("%w: username must not start or end with a separator", ErrInvalidInput)
			}
			if prevSep {
				return fmt.Errorf("%w: username must not contain consecutive separators", ErrInvalidInput)
			}
		default:
			return fmt.Errorf("%w: username contains invalid character %q", ErrInvalidInput, r)
		}
		prevSep = sep
	}
	return nil
}

// NormalizeFullname trims fullname and checks it only holds letters, marks, spaces and
// the punctuation - ' , . within 200 characters.
func NormalizeFullname(fullname string) (string, error) {
	fullname = strings.TrimSpace(fullname)
	count := utf8.RuneCountInString(fullname)
	if count == 0 {
		return "", fmt.Errorf("%w: fullname is required", ErrInvalidInput)
	}
	if count > maxFullnameLength {
		return "", fmt.Errorf("%w: fullname exceeds %d characters", ErrInvalidInput, maxFullnameLength)
	}
	for _, r := range fullname {
		if unicode.IsLetter(r) || unicode.IsMark(r) {
			continue
		}
		switch r {
		case ' ', '-', '\'', ',', '.':
			continue
		}
		return "", fmt.Errorf("%w: fullname contains invalid character %q", ErrInvalidInput, r)
	}
	return fullname, nil
}
