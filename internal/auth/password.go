package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultPasswordIterations = 310000
	minPasswordLength         = 14
	passwordSaltBytes         = 16
	passwordKeyBytes          = 32
	maxPasswordIterations     = 10_000_000
)

// PasswordPolicyResult is the outcome of a policy check: OK, or failed with a reason.
type PasswordPolicyResult struct {
	OK     bool
	Reason PolicyReason
}

// Err returns a *PolicyError for failed results and nil otherwise.
func (r PasswordPolicyResult) Err() error {
	if r.OK {
		return nil
	}
	return &PolicyError{Reason: r.Reason}
}

func policyFail(reason PolicyReason) PasswordPolicyResult {
	return PasswordPolicyResult{Reason: reason}
}

// PasswordService hashes and verifies passwords with PBKDF2-HMAC-SHA256 and enforces
// the password policy.
type PasswordService struct {
	iterations int
}

// PasswordOption configures a PasswordService.
type PasswordOption func(*PasswordService)

// WithIterations overrides the PBKDF2 iteration count. Values below 1 are ignored.
func WithIterations(n int) PasswordOption {
	return func(p *PasswordService) {
		if n > 0 {
			p.iterations = n
		}
	}
}

// NewPasswordService returns a service using DefaultPasswordIterations unless overridden.
func NewPasswordService(opts ...PasswordOption) *PasswordService {
	p := &PasswordService{iterations: DefaultPasswordIterations}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Hash returns "<iterations>:<base64 salt>:<base64 hash>" with a fresh random salt.
func (p *PasswordService) Hash(password string) (string, error) {
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, p.iterations, passwordKeyBytes, sha256.New)
	return strconv.Itoa(p.iterations) + ":" +
		base64.StdEncoding.EncodeToString(salt) + ":" +
		base64.StdEncoding.EncodeToString(dk), nil
}

// Verify reports whether candidate matches the stored hash. A stored value that is not
// in the expected format yields an error wrapping ErrInvalidHashFormat.
func (p *PasswordService) Verify(stored, candidate string) (bool, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return false, fmt.Errorf("%w: expected 3 parts, got %d", ErrInvalidHashFormat, len(parts))
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations < 1 || iterations > maxPasswordIterations {
		return false, fmt.Errorf("%w: bad iteration count", ErrInvalidHashFormat)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: salt: %v", ErrInvalidHashFormat, err)
	}
	expected, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("%w: hash: %v", ErrInvalidHashFormat, err)
	}
	if len(expected) == 0 {
		return false, fmt.Errorf("%w: empty hash", ErrInvalidHashFormat)
	}
	actual := pbkdf2.Key([]byte(candidate), salt, iterations, len(expected), sha256.New)
	return constantTimeEqual(actual, expected), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CheckPolicy evaluates the password rules in a fixed order; the first failing rule wins.
func (p *PasswordService) CheckPolicy(password, username string) PasswordPolicyResult {
	return CheckPasswordPolicy(password, username)
}

// CheckPasswordPolicy applies the policy: at least 14 characters, not only whitespace,
// not equal to the username ignoring case, and at least 3 of the 4 character classes
// lowercase, uppercase, digit and symbol.
func CheckPasswordPolicy(password, username string) PasswordPolicyResult {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return policyFail(PolicyTooShort)
	}
	if strings.TrimFunc(password, unicode.IsSpace) == "" {
		return policyFail(PolicyWhitespacesOnly)
	}
	if username != "" && strings.EqualFold(password, username) {
		return policyFail(PolicyEqualsUsername)
	}
	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r):
			symbol = true
		}
	}
	classes := 0
	for _, present := range []bool{lower, upper, digit, symbol} {
		if present {
			classes++
		}
	}
	if classes < 3 {
		return policyFail(PolicyMissingCharCategory)
	}
	return PasswordPolicyResult{OK: true}
}
