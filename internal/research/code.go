package research

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// CodeAlphabet is the suffix alphabet. It leaves out 0/O, 1/I/L so a code
// can be read aloud and transcribed without ambiguity.
const CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Defaults for the research code shape.
const (
	DefaultCodePrefix = "RES"
	DefaultCodeLength = 6
)

var prefixPattern = regexp.MustCompile(`^[A-Z]{1,8}$`)

// CodeFormat describes a research code: Prefix, a dash, then Length
// characters drawn from CodeAlphabet.
type CodeFormat struct {
	Prefix string
	Length int

	pattern *regexp.Regexp
}

// NewCodeFormat validates and compiles a code format.
func NewCodeFormat(prefix string, length int) (CodeFormat, error) {
	if !prefixPattern.MatchString(prefix) {
		return CodeFormat{}, fmt.Errorf("code prefix %q must be 1-8 upper-case letters", prefix)
	}
	if length < 4 || length > 16 {
		return CodeFormat{}, fmt.Errorf("code length %d must be between 4 and 16", length)
	}
	return CodeFormat{
		Prefix:  prefix,
		Length:  length,
		pattern: regexp.MustCompile(fmt.Sprintf(`^%s-[%s]{%d}$`, regexp.QuoteMeta(prefix), CodeAlphabet, length)),
	}, nil
}

// DefaultCodeFormat returns the RES-XXXXXX format.
func DefaultCodeFormat() CodeFormat {
	f, err := NewCodeFormat(DefaultCodePrefix, DefaultCodeLength)
	if err != nil {
		panic(err)
	}
	return f
}

// Generate draws a fresh candidate from r using rejection sampling, so
// every alphabet character is equally likely.
func (f CodeFormat) Generate(r io.Reader) (string, error) {
	const n = len(CodeAlphabet)
	limit := 256 - (256 % n)

	suffix := make([]byte, 0, f.Length)
	buf := make([]byte, f.Length*2)
	for len(suffix) < f.Length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			suffix = append(suffix, CodeAlphabet[int(b)%n])
			if len(suffix) == f.Length {
				break
			}
		}
	}
	return f.Prefix + "-" + string(suffix), nil
}

// Valid reports whether code has exactly this format.
func (f CodeFormat) Valid(code string) bool {
	if f.pattern == nil {
		return false
	}
	return f.pattern.MatchString(code)
}

// Normalize trims and upper-cases code and checks its shape. Malformed input
// fails with ErrInvalidCode.
func (f CodeFormat) Normalize(code string) (string, error) {
	canonical := strings.ToUpper(strings.TrimSpace(code))
	if !f.Valid(canonical) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return canonical, nil
}

func cryptoSource(f CodeFormat) func() (string, error) {
	return func() (string, error) {
		return f.Generate(rand.Reader)
	}
}

var defaultFormat = DefaultCodeFormat()

// ParseCode normalizes code against the default RES-XXXXXX format.
func ParseCode(code string) (string, error) {
	return defaultFormat.Normalize(code)
}

// ValidateCode reports whether code is a canonical default-format code.
func ValidateCode(code string) bool {
	return defaultFormat.Valid(code)
}
