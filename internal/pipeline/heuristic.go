package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/taskconfig"
)

var personTokens = map[string]bool{
	"person": true, "people": true, "anyone": true, "someone": true,
	"somebody": true, "anybody": true, "everyone": true, "man": true,
	"woman": true, "child": true, "kid": true,
}

var negationTokens = map[string]bool{
	"no": true, "nobody": true, "not": true, "without": true,
	"empty": true, "none": true, "absent": true,
}

// RequiresPerson reports whether condition can only be true with somebody
// in view: it mentions a person (a person word or a {Member} placeholder)
// and carries no negation. "no person in the crib" can fire on an empty
// room, "{Alex} is at the table" cannot.
func RequiresPerson(condition string) bool {
	mentions := len(taskconfig.Placeholders(condition)) > 0
	negated := false
	for _, w := range words(condition) {
		if personTokens[w] {
			mentions = true
		}
		if negationTokens[w] {
			negated = true
		}
	}
	return mentions && !negated
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

// BuildPrompt asks the model to judge every condition in one reply keyed by
// task name. conditions maps task name to its expanded condition.
func BuildPrompt(location string, conditions map[string]string) string {
	names := make([]string, 0, len(conditions))
	for name := range conditions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "This photo was taken by a home robot at the location %q.\n", location)
	b.WriteString("For each key below, decide whether the condition is true in the photo.\n")
	b.WriteString("Reply with only a JSON object mapping every key to true or false.\n\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%q: %s\n", name, conditions[name])
	}
	return b.String()
}

// queryPlan splits tasks by how their trigger is resolved.
type queryPlan struct {
	fixed    map[string]bool   // decided without inference
	query    map[string]string // task -> expanded condition
	personly []string          // conditions needing a person that nobody can satisfy
}

func planQuery(tasks []models.TaskDefinition, family map[string]string, personPresent bool) queryPlan {
	p := queryPlan{fixed: map[string]bool{}, query: map[string]string{}}
	for _, t := range tasks {
		switch {
		case t.Trigger.Fixed != nil:
			p.fixed[t.Name] = *t.Trigger.Fixed
		case t.Trigger.IsAnyone():
			p.fixed[t.Name] = personPresent
		case t.Trigger.NeedsQuery():
			if !personPresent && RequiresPerson(t.Trigger.Condition) {
				p.personly = append(p.personly, t.Name)
				continue
			}
			p.query[t.Name] = taskconfig.ExpandPlaceholders(t.Trigger.Condition, family)
		}
	}
	return p
}
