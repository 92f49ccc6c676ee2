// Package fuzzy provides name/address normalization and string similarity
// for entity matching. All functions are pure: the same input always
// produces the same output, which the enrichment determinism contract
// depends on.
package fuzzy

import (
	"regexp"
	"strings"
)

// legalSuffixes are corporate form tokens stripped from the end of a
// normalized name. Stripping repeats so "ACME CO INC" reduces to "ACME".
var legalSuffixes = map[string]bool{
	"INC": true, "INCORPORATED": true,
	"LLC": true, "LLP": true, "LP": true,
	"CORP": true, "CORPORATION": true,
	"LTD": true, "LIMITED": true,
	"CO": true, "COMPANY": true,
	"PLC": true, "PC": true,
}

var (
	reNonAlnum   = regexp.MustCompile(`[^A-Z0-9& ]+`)
	reWhitespace = regexp.MustCompile(`\s+`)
	reZip        = regexp.MustCompile(`^(\d{1,5})(?:-(\d{4}))?$`)
)

// usStates is the set of two-letter USPS state and territory codes.
var usStates = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "FL": true, "GA": true, "HI": true, "ID": true,
	"IL": true, "IN": true, "IA": true, "KS": true, "KY": true, "LA": true,
	"ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true, "OK": true,
	"OR": true, "PA": true, "RI": true, "SC": true, "SD": true, "TN": true,
	"TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true, "PR": true, "VI": true, "GU": true,
	"AS": true, "MP": true,
}

// NormalizeName canonicalises an organization name: uppercase, strip legal
// suffixes, drop punctuation except internal ampersands, collapse
// whitespace.
func NormalizeName(s string) string {
	up := strings.ToUpper(s)
	// "L.L.C." → "LLC" before punctuation is dropped wholesale.
	up = strings.ReplaceAll(up, ".", "")
	up = reNonAlnum.ReplaceAllString(up, " ")
	up = reWhitespace.ReplaceAllString(strings.TrimSpace(up), " ")

	tokens := strings.Split(up, " ")
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// Address holds parsed, normalized US address components.
type Address struct {
	Street string
	City   string
	State  string
	Zip    string
}

// NormalizeState canonicalises a two-letter US state code; unknown values
// return "".
func NormalizeState(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	if usStates[up] {
		return up
	}
	return ""
}

// NormalizeZip zero-pads a US postcode to 5 digits, preserving a +4
// extension when present. Malformed input returns "".
func NormalizeZip(s string) string {
	m := reZip.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ""
	}
	zip := m[1]
	for len(zip) < 5 {
		zip = "0" + zip
	}
	if m[2] != "" {
		return zip + "-" + m[2]
	}
	return zip
}

// NormalizeAddress parses street/city/state/zip components with a
// rule-based tokenizer. The two-letter state code is enforced for US
// addresses and the postcode is zero-padded.
func NormalizeAddress(street, city, state, zip string) Address {
	return Address{
		Street: reWhitespace.ReplaceAllString(strings.TrimSpace(strings.ToUpper(street)), " "),
		City:   reWhitespace.ReplaceAllString(strings.TrimSpace(strings.ToUpper(city)), " "),
		State:  NormalizeState(state),
		Zip:    NormalizeZip(zip),
	}
}

// FormatUEI canonicalises a 13-char supplier id: uppercase, surrounding
// whitespace removed. Malformed values return "".
func FormatUEI(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	if len(up) != 13 {
		return ""
	}
	for _, r := range up {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return up
}

// FormatDUNS canonicalises a legacy 9-digit id, zero-padding shorter
// all-digit inputs. Malformed values return "".
func FormatDUNS(s string) string {
	t := strings.TrimSpace(s)
	t = strings.ReplaceAll(t, "-", "")
	if t == "" || len(t) > 9 {
		return ""
	}
	for _, r := range t {
		if r < '0' || r > '9' {
			return ""
		}
	}
	for len(t) < 9 {
		t = "0" + t
	}
	return t
}
