package fraud

import "strings"

// aliasGroups maps a canonical country key to the spellings treated as that country.
// All entries are lowercase.
var aliasGroups = map[string][]string{
	"usa":       {"united states", "us", "usa", "america", "united states of america", "u.s.a", "u.s."},
	"uk":        {"united kingdom", "uk", "great britain", "britain", "england", "scotland", "wales", "northern ireland", "u.k."},
	"uae":       {"united arab emirates", "uae", "emirates", "u.a.e."},
	"canada":    {"canada", "ca", "can"},
	"mexico":    {"mexico", "méxico", "mx", "mex"},
	"india":     {"india", "in", "ind", "bharat"},
	"china":     {"china", "cn", "chn", "prc", "peoples republic of china"},
	"japan":     {"japan", "jp", "jpn", "nippon"},
	"germany":   {"germany", "de", "deu", "deutschland"},
	"france":    {"france", "fr", "fra"},
	"australia": {"australia", "au", "aus", "oz"},
	"brazil":    {"brazil", "br", "bra", "brasil"},
}

// groupsByAlias is the reverse index of aliasGroups: spelling -> canonical keys.
var groupsByAlias = indexAliases(aliasGroups)

func indexAliases(groups map[string][]string) map[string][]string {
	idx := make(map[string][]string)
	for key, aliases := range groups {
		for _, alias := range aliases {
			idx[alias] = append(idx[alias], key)
		}
	}
	return idx
}

// NormalizeCountry trims and lowercases a country name.
func NormalizeCountry(country string) string {
	return strings.ToLower(strings.TrimSpace(country))
}

// LocationCountry returns the normalized last comma-separated segment of a
// location such as "New York, USA". A location without commas yields the
// whole normalized string.
func LocationCountry(location string) string {
	parts := strings.Split(location, ",")
	return NormalizeCountry(parts[len(parts)-1])
}

// CanonicalCountry returns the alias group key for a normalized name.
func CanonicalCountry(name string) (string, bool) {
	keys := groupsByAlias[name]
	if len(keys) == 0 {
		return "", false
	}
	return keys[0], true
}

// sameAliasGroup reports whether both normalized names belong to one alias group.
func sameAliasGroup(a, b string) bool {
	for _, ka := range groupsByAlias[a] {
		for _, kb := range groupsByAlias[b] {
			if ka == kb {
				return true
			}
		}
	}
	return false
}
