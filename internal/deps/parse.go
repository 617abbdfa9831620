// Package deps turns the unmet build dependencies reported by
// dpkg-checkbuilddeps into installable package sets and drives the
// install and re-check loop that satisfies them.
package deps

import (
	"regexp"
	"slices"
	"strings"

	"github.com/cochaviz/sbdmock/internal/debsrc"
)

// Expression is an unmet dependency text split into the packages that must
// be installed as they are and the groups of mutually exclusive
// alternatives.
type Expression struct {
	// Static is a space separated list of package names.
	Static string
	// Groups holds the alternatives in the order they appeared.
	Groups [][]string
}

var (
	versionQualifier = regexp.MustCompile(`\([^)]*\)`)
	alternativeGroup = regexp.MustCompile(debsrc.PackageRegex + `(?:\s*\|\s*` + debsrc.PackageRegex + `)+`)
	alternativeSep   = regexp.MustCompile(`\s*\|\s*`)
)

// Parse decomposes text. Version qualifiers are dropped since the installer
// does not understand them; commas separate entries like whitespace does.
func Parse(text string) Expression {
	text = versionQualifier.ReplaceAllString(text, "")

	var (
		expr Expression
		rest strings.Builder
		last int
	)
	for _, loc := range alternativeGroup.FindAllStringIndex(text, -1) {
		rest.WriteString(text[last:loc[0]])
		rest.WriteByte(' ')
		expr.Groups = append(expr.Groups, alternativeSep.Split(text[loc[0]:loc[1]], -1))
		last = loc[1]
	}
	rest.WriteString(text[last:])

	expr.Static = strings.Join(strings.Fields(strings.ReplaceAll(rest.String(), ",", " ")), " ")
	return expr
}

// Variants expands groups into every installable combination, one
// alternative per group. The first group varies slowest.
func Variants(groups [][]string) []string {
	if len(groups) == 0 {
		return nil
	}
	sets := [][]string{{}}
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		next := make([][]string, 0, len(sets)*len(group))
		for _, set := range sets {
			for _, alternative := range group {
				next = append(next, append(slices.Clip(set), alternative))
			}
		}
		sets = next
	}

	variants := make([]string, 0, len(sets))
	for _, set := range sets {
		variants = append(variants, strings.Join(set, " "))
	}
	return variants
}
