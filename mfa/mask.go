package mfa

import (
	"strings"
	"unicode"
)

const (
	maskPrefixLen  = 4
	localPartMask  = "******"
	domainMask     = "******"
	mobileMask     = "*******"
	mobileVisible  = 4
	shortLabelSize = 3
)

// maskEmail keeps a short prefix of the local part (ending at the first
// separator) and the top-level suffix of the domain. A short second-level
// label such as "gov" or "co" is kept with the TLD.
func maskEmail(raw string) string {
	raw = strings.TrimSpace(raw)
	at := strings.LastIndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return localPartMask
	}
	return maskLocalPart(raw[:at]) + "@" + maskDomain(raw[at+1:])
}

func maskLocalPart(local string) string {
	runes := []rune(local)
	n := 0
	for n < len(runes) && n < maskPrefixLen {
		r := runes[n]
		n++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
	}
	// never reveal the whole local part
	if n >= len(runes) {
		n = len(runes) - 1
	}
	return string(runes[:n]) + localPartMask
}

func maskDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return domainMask
	}
	keep := 1
	if len(labels) >= 3 && len(labels[len(labels)-2]) <= shortLabelSize {
		keep = 2
	}
	return domainMask + "." + strings.Join(labels[len(labels)-keep:], ".")
}

func maskMobile(raw string) string {
	digits := make([]rune, 0, len(raw))
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) <= mobileVisible {
		return mobileMask
	}
	return mobileMask + string(digits[len(digits)-mobileVisible:])
}
