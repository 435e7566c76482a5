package referral

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gosimple/slug"
	"github.com/grpdelivery/rewards/internal/apperrors"
	"github.com/grpdelivery/rewards/internal/models"
)

// CodeFormat builds and parses referral codes such as GRP-SDS007-AM
type CodeFormat struct {
	prefix  string
	pattern *regexp.Regexp
}

// NewCodeFormat creates a code format for the given prefix
func NewCodeFormat(prefix string) *CodeFormat {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	return &CodeFormat{
		prefix:  prefix,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d{3,})-([A-Z]{2})$`),
	}
}

// Format renders a code from a sequence number and the driver's initials
func (f *CodeFormat) Format(seq int64, initials string) string {
	return fmt.Sprintf("%s%03d-%s", f.prefix, seq, initials)
}

// Normalize trims and upper-cases a code and checks it against the pattern
func (f *CodeFormat) Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !f.pattern.MatchString(code) {
		return "", apperrors.ErrMalformedCode
	}
	return code, nil
}

// Initials returns two upper-case ASCII letters for a driver.
// Names are transliterated first so "Élodie Ñúñez" yields "EN".
func Initials(driver *models.Driver) string {
	var words []string
	for _, w := range strings.Split(slug.Make(driver.FirstName+" "+driver.LastName), "-") {
		if letters := lettersOnly(w); letters != "" {
			words = append(words, letters)
		}
	}

	var initials string
	switch len(words) {
	case 0:
	case 1:
		initials = words[0]
		if len(initials) > 2 {
			initials = initials[:2]
		}
	default:
		initials = words[0][:1] + words[len(words)-1][:1]
	}

	for len(initials) < 2 {
		initials += "x"
	}
	return strings.ToUpper(initials)
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
