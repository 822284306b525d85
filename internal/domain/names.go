package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	FieldFirstName = "firstName"
	FieldLastName  = "lastName"

	minNamePartLength = 2
)

// Characters that have no decomposition and are spelled out instead.
var digraphs = map[rune]string{
	'ä': "ae",
	'ö': "oe",
	'ü': "ue",
	'ß': "ss",
	'æ': "ae",
	'ø': "oe",
	'å': "aa",
	'œ': "oe",
	'þ': "th",
	'ð': "d",
	'đ': "d",
	'ł': "l",
	'ı': "i",
	'ŋ': "n",
	'ħ': "h",
	'ŧ': "t",
	'ĸ': "q",
	'ŀ': "l",
}

// Non letters DIN 91379 datatype A allows in names.
const nameSeparators = " -'.,`´‘’"

// ValidateNamePart checks a first or last name against DIN 91379 datatype A.
func ValidateNamePart(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if utf8.RuneCountInString(trimmed) < minNamePartLength {
		return &InvalidNameError{Field: field}
	}

	for _, r := range norm.NFC.String(trimmed) {
		if isDINNameRune(r) {
			continue
		}
		return &InvalidCharacterSetError{Field: field, Value: value}
	}
	return nil
}

func isDINNameRune(r rune) bool {
	if strings.ContainsRune(nameSeparators, r) {
		return true
	}
	if r >= 0x0300 && r <= 0x036F {
		return true
	}
	return unicode.IsLetter(r) && unicode.Is(unicode.Latin, r)
}

// NormalizeNamePart turns a name part into the ASCII form used in local parts.
func NormalizeNamePart(value string) string {
	lower := norm.NFC.String(strings.ToLower(value))

	var sb strings.Builder
	for _, r := range lower {
		if unicode.IsSpace(r) {
			continue
		}
		if d, ok := digraphs[r]; ok {
			sb.WriteString(d)
			continue
		}
		sb.WriteRune(r)
	}

	// chains keep internal buffers, one per call
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripMarks, sb.String())
	if err != nil {
		stripped = sb.String()
	}

	var out strings.Builder
	for _, r := range stripped {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			out.WriteRune(r)
		}
	}
	return out.String()
}
