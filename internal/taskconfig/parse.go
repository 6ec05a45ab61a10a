// Package taskconfig loads the per-day task table that drives the robot's
// autonomous behavior.
//
// The table is authored as JSONC (JSON with comments and trailing commas):
//
//	{
//	  "family_members": {"Alex": "a tall man with short grey hair"},
//	  "2025/06/01": {
//	    "check-stove": {
//	      "start_time": "07:00", "end_time": "09:00",
//	      "locations": ["kitchen"],
//	      "trigger_freq": 600, "trigger_check_freq": 120,
//	      "max_trigger_count": 1,
//	      "trigger": "the stove is on",
//	      "action": {"speech": ["The stove is still on."]}
//	    }
//	  }
//	}
//
// Parse validates every field once, so the scheduler and pipeline work with
// typed TaskDefinitions and never see a half-formed entry.
package taskconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/fentz26/rover/internal/models"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid task config")

// DateLayout is the layout of the per-day table keys.
const DateLayout = "2006/01/02"

const familyKey = "family_members"

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Table is a parsed task configuration.
type Table struct {
	// Days maps a DateLayout key to that day's tasks in file order.
	Days          map[string][]models.TaskDefinition
	FamilyMembers map[string]string
}

// Empty returns a table with no tasks.
func Empty() *Table {
	return &Table{Days: map[string][]models.TaskDefinition{}, FamilyMembers: map[string]string{}}
}

// Day returns the tasks configured for t's calendar date.
func (t *Table) Day(day time.Time) Day {
	return Day{
		Date:          day.Format(DateLayout),
		Tasks:         t.Days[day.Format(DateLayout)],
		FamilyMembers: t.FamilyMembers,
	}
}

// Day is one day's view of the table.
type Day struct {
	Date          string
	Tasks         []models.TaskDefinition
	FamilyMembers map[string]string
}

// Task looks up a task by name.
func (d Day) Task(name string) (models.TaskDefinition, bool) {
	for _, t := range d.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return models.TaskDefinition{}, false
}

// Expand replaces {Name} placeholders with family member descriptions.
// Unknown names are left as written.
func (d Day) Expand(condition string) string {
	return ExpandPlaceholders(condition, d.FamilyMembers)
}

// ExpandPlaceholders replaces {Name} placeholders with members[Name].
func ExpandPlaceholders(condition string, members map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(condition, func(m string) string {
		name := m[1 : len(m)-1]
		if desc, ok := members[name]; ok {
			return desc
		}
		return m
	})
}

// Placeholders returns the member names referenced by condition.
func Placeholders(condition string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(condition, -1) {
		names = append(names, m[1])
	}
	return names
}

type rawAction struct {
	Speech []string              `json:"speech"`
	Find   *models.FindDirective `json:"find"`
}

type rawTask struct {
	StartTime        string          `json:"start_time"`
	EndTime          string          `json:"end_time"`
	Locations        []string        `json:"locations"`
	TriggerFreq      *int            `json:"trigger_freq"`
	TriggerCheckFreq *int            `json:"trigger_check_freq"`
	MaxTriggerCount  *int            `json:"max_trigger_count"`
	DurationTrigger  int             `json:"duration_trigger"`
	Trigger          *models.Trigger `json:"trigger"`
	Action           *rawAction      `json:"action"`
	Description      string          `json:"description"`
	Members          []string        `json:"members"`
	Manual           bool            `json:"manual"`
}

// Parse strips JSONC comments and trailing commas from data, then decodes
// and validates the table. Day and task order follow the file.
func Parse(data []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	table := Empty()
	raw := map[string][]namedTask{}
	var dates []string

	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if key == familyKey {
			if err := dec.Decode(&table.FamilyMembers); err != nil {
				return nil, fmt.Errorf("%w: family_members: %v", ErrInvalid, err)
			}
			continue
		}
		if _, err := time.Parse(DateLayout, key); err != nil {
			return nil, fmt.Errorf("%w: day key %q is not YYYY/MM/DD", ErrInvalid, key)
		}
		if _, dup := raw[key]; dup {
			return nil, fmt.Errorf("%w: day %s appears twice", ErrInvalid, key)
		}
		tasks, err := decodeDay(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: day %s: %v", ErrInvalid, key, err)
		}
		raw[key] = tasks
		dates = append(dates, key)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if table.FamilyMembers == nil {
		table.FamilyMembers = map[string]string{}
	}

	for _, date := range dates {
		defs := make([]models.TaskDefinition, 0, len(raw[date]))
		for _, nt := range raw[date] {
			def, err := nt.task.validate(nt.name, table.FamilyMembers)
			if err != nil {
				return nil, fmt.Errorf("%w: day %s task %q: %v", ErrInvalid, date, nt.name, err)
			}
			defs = append(defs, def)
		}
		table.Days[date] = defs
	}
	return table, nil
}

type namedTask struct {
	name string
	task rawTask
}

func decodeDay(dec *json.Decoder) ([]namedTask, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var tasks []namedTask
	for dec.More() {
		name, err := stringToken(dec)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("task with empty name")
		}
		if seen[name] {
			return nil, fmt.Errorf("task %q appears twice", name)
		}
		seen[name] = true

		var body json.RawMessage
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("task %q: %v", name, err)
		}
		var rt rawTask
		td := json.NewDecoder(bytes.NewReader(body))
		td.DisallowUnknownFields()
		if err := td.Decode(&rt); err != nil {
			return nil, fmt.Errorf("task %q: %v", name, err)
		}
		tasks = append(tasks, namedTask{name: name, task: rt})
	}
	return tasks, expectDelim(dec, '}')
}

func (r rawTask) validate(name string, family map[string]string) (models.TaskDefinition, error) {
	def := models.TaskDefinition{
		Name:            name,
		Description:     r.Description,
		Locations:       r.Locations,
		DurationTrigger: r.DurationTrigger,
		Members:         r.Members,
		Manual:          r.Manual,
	}

	start, err := requiredClock("start_time", r.StartTime)
	if err != nil {
		return def, err
	}
	end, err := requiredClock("end_time", r.EndTime)
	if err != nil {
		return def, err
	}
	if end <= start {
		return def, fmt.Errorf("end_time %s must be after start_time %s", r.EndTime, r.StartTime)
	}
	def.Window = models.Window{Start: start, End: end}

	if len(r.Locations) == 0 {
		return def, errors.New("locations must not be empty")
	}
	for _, loc := range r.Locations {
		if strings.TrimSpace(loc) == "" {
			return def, errors.New("locations contains an empty name")
		}
	}

	if def.TriggerFreq, err = nonNegative("trigger_freq", r.TriggerFreq); err != nil {
		return def, err
	}
	if def.TriggerCheckFreq, err = nonNegative("trigger_check_freq", r.TriggerCheckFreq); err != nil {
		return def, err
	}
	if r.MaxTriggerCount == nil {
		return def, errors.New("max_trigger_count is required")
	}
	if *r.MaxTriggerCount < 1 {
		return def, errors.New("max_trigger_count must be at least 1")
	}
	def.MaxTriggerCount = *r.MaxTriggerCount
	if r.DurationTrigger < 0 {
		return def, errors.New("duration_trigger must not be negative")
	}

	if r.Trigger == nil {
		return def, errors.New("trigger is required")
	}
	def.Trigger = *r.Trigger
	for _, member := range Placeholders(def.Trigger.Condition) {
		if _, ok := family[member]; !ok {
			return def, fmt.Errorf("trigger references unknown family member %q", member)
		}
	}

	if r.Action == nil {
		return def, errors.New("action is required")
	}
	if len(r.Action.Speech) == 0 {
		return def, errors.New("action.speech must have at least one line")
	}
	def.Action = models.Action{Speech: r.Action.Speech, Find: r.Action.Find}
	if f := r.Action.Find; f != nil {
		for _, member := range f.Members {
			if _, ok := family[member]; !ok {
				return def, fmt.Errorf("action.find references unknown family member %q", member)
			}
		}
	}
	for _, member := range r.Members {
		if _, ok := family[member]; !ok {
			return def, fmt.Errorf("members references unknown family member %q", member)
		}
	}
	return def, nil
}

func requiredClock(field, v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("%s is required", field)
	}
	m, err := models.ParseClock(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	return m, nil
}

func nonNegative(field string, v *int) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%s is required", field)
	}
	if *v < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return *v, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("unexpected end of input, want %q", want)
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("unexpected %v, want %q", tok, want)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("unexpected %v, want object key", tok)
	}
	return s, nil
}

// Dates returns the configured day keys in ascending order.
func (t *Table) Dates() []string {
	dates := make([]string, 0, len(t.Days))
	for d := range t.Days {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}
