package contextbuilder

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// BandWidth is the width of an age band in years.
const BandWidth = 5

// Projection is the de-identified view returned for cross-tenant searches.
type Projection struct {
	Initials string `json:"initials"`
	AgeBand  string `json:"age_band"`
}

// Project derives initials and an age band from p at now.
func Project(p *Person, now time.Time) Projection {
	if p == nil {
		return Projection{Initials: "?", AgeBand: "unknown"}
	}
	return Projection{
		Initials: Initials(p.GivenName, p.FamilyName),
		AgeBand:  AgeBand(p.BirthDate, now),
	}
}

// Initials renders "J.D." from given and family names.
func Initials(given, family string) string {
	var b strings.Builder
	for _, name := range []string{given, family} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r, _ := utf8.DecodeRuneInString(name)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteByte('.')
	}
	if b.Len() == 0 {
		return "?"
	}
	return b.String()
}

// AgeBand floors completed years to a multiple of BandWidth: 37 -> "35-39".
func AgeBand(birth *time.Time, now time.Time) string {
	if birth == nil || birth.After(now) {
		return "unknown"
	}
	age := CompletedYears(*birth, now)
	lower := (age / BandWidth) * BandWidth
	return fmt.Sprintf("%d-%d", lower, lower+BandWidth-1)
}

// CompletedYears counts whole years between birth and now, birthday-aware.
func CompletedYears(birth, now time.Time) int {
	birth = birth.UTC()
	now = now.UTC()
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
