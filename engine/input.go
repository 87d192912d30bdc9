package engine

import (
	"regexp"
	"strings"

	"escrowbot/money"
)

var milestoneLine = regexp.MustCompile(`^(.*?):\s*(\d+(?:\.\d{1,2})?)$`)

// ParseMilestones reads one "name: amount" pair per line, as typed into the
// chat when setting up a project. Blank lines are skipped.
func ParseMilestones(text string) ([]MilestoneInput, error) {
	var out []MilestoneInput
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := milestoneLine.FindStringSubmatch(line)
		if m == nil {
			return nil, reject(ErrValidation, "line %d: expected \"name: amount\"", i+1)
		}
		amount, err := money.Parse(m[2])
		if err != nil {
			return nil, reject(ErrValidation, "line %d: %v", i+1, err)
		}
		in := MilestoneInput{Name: strings.TrimSpace(m[1]), Amount: amount}
		if err := in.validate(); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if len(out) == 0 {
		return nil, reject(ErrValidation, "list at least one milestone")
	}
	return out, nil
}
