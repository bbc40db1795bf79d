package pii

import (
	"regexp"
	"strings"
)

// Type labels a detected PII category. The value appears inside
// placeholders, e.g. [EMAIL_1].
type Type string

const (
	TypeSSN     Type = "SSN"
	TypeCard    Type = "CARD"
	TypeBank    Type = "BANK_ACCOUNT"
	TypeEmail   Type = "EMAIL"
	TypePhone   Type = "PHONE"
	TypeAddress Type = "ADDRESS"
	TypeDOB     Type = "DOB"
	TypeIP      Type = "IP"
)

// rule pairs a pattern with an optional validator and an optional capture
// group index (0 = whole match). Rules run in declaration order: more
// specific patterns first, so a card number is never half-eaten by the
// phone detector.
type rule struct {
	typ      Type
	re       *regexp.Regexp
	group    int
	validate func(string) bool
}

var rules = []rule{
	// US SSN (123-45-6789) and Canadian SIN (123-456-789).
	{typ: TypeSSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{typ: TypeSSN, re: regexp.MustCompile(`\b\d{3}[- ]\d{3}[- ]\d{3}\b`)},

	// Payment cards: 15-16 digits, optional separators, brand prefix checked.
	{
		typ:      TypeCard,
		re:       regexp.MustCompile(`\b(?:\d[ -]?){14,15}\d\b`),
		validate: validCardNumber,
	},

	// Bank/routing hints: a labeling lexeme followed by a long digit run.
	{
		typ:   TypeBank,
		re:    regexp.MustCompile(`(?i)\b(?:account|acct|routing|iban)\s*(?:number|no\.?|#)?\s*[:#]?\s*([0-9]{6,17})\b`),
		group: 1,
	},

	{typ: TypeEmail, re: regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)},

	// Phones: international (+31 20 123 4567) then North-American.
	{typ: TypePhone, re: regexp.MustCompile(`\+\d{1,3}[ .-]?\(?\d{1,4}\)?(?:[ .-]?\d{2,4}){2,4}`)},
	{typ: TypePhone, re: regexp.MustCompile(`\b\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`)},

	// Street addresses: house number + capitalized words + street-type word.
	{
		typ:      TypeAddress,
		re:       regexp.MustCompile(`\b\d{1,6}\s+(?:[A-Z][a-zA-Z'.-]*\s+){1,4}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Place|Pl|Way|Terrace|Ter|Circle|Cir)\b\.?`),
		validate: validAddress,
	},

	// Dates of birth, only when preceded by a DOB-indicating lexeme.
	{
		typ:   TypeDOB,
		re:    regexp.MustCompile(`(?i)(?:date of birth|birth ?date|dob|born on|birthday)\s*[:\s]\s*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4})`),
		group: 1,
	},

	{
		typ:      TypeIP,
		re:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		validate: validIPv4,
	},
}

// financialTypes is the FINANCIAL_ONLY subset.
var financialTypes = map[Type]bool{
	TypeSSN:  true,
	TypeCard: true,
	TypeBank: true,
}

func validCardNumber(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	switch len(digits) {
	case 15:
		// Amex
		return strings.HasPrefix(digits, "34") || strings.HasPrefix(digits, "37")
	case 16:
		// Visa, Mastercard (51-55 and 2221-2720 ranges approximated), Discover
		if digits[0] == '4' {
			return true
		}
		if digits[0] == '5' && digits[1] >= '1' && digits[1] <= '5' {
			return true
		}
		if digits[0] == '2' && digits[1] >= '2' && digits[1] <= '7' {
			return true
		}
		return strings.HasPrefix(digits, "6011") || strings.HasPrefix(digits, "65")
	default:
		return false
	}
}

// validAddress guards against product names that look like street
// addresses, most notably "... 5 Google Drive links ...".
func validAddress(s string) bool {
	return !strings.Contains(s, "Google Drive")
}

func validIPv4(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if len(part) > 1 && part[0] == '0' {
			return false
		}
		n := 0
		for _, r := range part {
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}
