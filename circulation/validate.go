package circulation

import (
	"regexp"
	"strings"
)

var (
	isbn10Pattern = regexp.MustCompile(`^\d{9}[\dX]$`)
	isbn13Pattern = regexp.MustCompile(`^(978|979)\d{10}$`)
	documentIDPat = regexp.MustCompile(`^\d+$`)
	emailPattern  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern  = regexp.MustCompile(`^[\d\s\-+()]+$`)
)

// NormalizeISBN strips hyphens and spaces and upper-cases the check digit.
func NormalizeISBN(s string) string {
	s = strings.NewReplacer("-", "", " ", "").Replace(s)
	return strings.ToUpper(s)
}

// ValidISBN accepts normalized ISBN-10 and ISBN-13 (978/979 prefix).
func ValidISBN(s string) bool {
	return isbn10Pattern.MatchString(s) || isbn13Pattern.MatchString(s)
}

// problems collects per-field validation messages.
type problems []string

func (p *problems) add(field, msg string) { *p = append(*p, field+": "+msg) }

func (p *problems) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		p.add(field, "is required")
	}
}

func (p problems) err(msg string) error {
	if len(p) == 0 {
		return nil
	}
	return validationError(msg, p...)
}
