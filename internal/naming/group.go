package naming

import (
	"fmt"
	"regexp"
	"strings"
)

// GroupName is a parsed group directory name.
type GroupName struct {
	Prefix    string
	Number    int
	SourceTag string
}

var groupPattern = regexp.MustCompile(`^([A-Za-z]+)([0-9]{2})_(.+)$`)

// ParseGroup parses a group directory base name of the form {prefix}{NN}_{tag}.
// The prefix is letters only, so "SFW1" never parses as a member of "SFW".
func ParseGroup(name string) (GroupName, error) {
	m := groupPattern.FindStringSubmatch(name)
	if m == nil {
		return GroupName{}, malformedf(name, "group name must be {prefix}{NN}_{source_tag}")
	}
	if strings.ContainsAny(m[3], `/\`) {
		return GroupName{}, malformedf(name, "source tag contains a path separator")
	}
	n := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	return GroupName{Prefix: m[1], Number: n, SourceTag: m[3]}, nil
}

// FormatGroup renders a group directory name.
func FormatGroup(prefix string, number int, tag string) (string, error) {
	g := GroupName{Prefix: prefix, Number: number, SourceTag: tag}
	if err := g.Validate(); err != nil {
		return "", err
	}
	return g.String(), nil
}

// Validate checks that the group can be rendered and parsed back unchanged.
func (g GroupName) Validate() error {
	name := g.String()
	if number := g.Number; number < 0 || number > MaxGroupNumber {
		return malformedf(name, "group number %d does not fit two digits", number)
	}
	parsed, err := ParseGroup(name)
	if err != nil {
		return err
	}
	if parsed != g {
		return malformedf(name, "group name does not round-trip")
	}
	return nil
}

// Identity returns the prefix and number, e.g. "DSM00".
func (g GroupName) Identity() string {
	return fmt.Sprintf("%s%02d", g.Prefix, g.Number)
}

func (g GroupName) String() string {
	return fmt.Sprintf("%s%02d_%s", g.Prefix, g.Number, g.SourceTag)
}
