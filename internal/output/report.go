package output

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goodsign/monday"
	"github.com/jakopako/ami/internal/automation"
	"github.com/olekukonko/tablewriter"
)

const reportTimeLayout = "2 January 2006 15:04"

// RuleMatch is one row of the match report.
type RuleMatch struct {
	Rule    string
	Matched int
}

// WriteMatches renders the number of elements every rule matches.
func WriteMatches(w io.Writer, rows []RuleMatch) error {
	table := tablewriter.NewWriter(w)
	table.Header("Rule", "Matched")
	total := 0
	for _, r := range rows {
		total += r.Matched
		if err := table.Append([]string{r.Rule, strconv.Itoa(r.Matched)}); err != nil {
			return err
		}
	}
	if err := table.Append([]string{"total", strconv.Itoa(total)}); err != nil {
		return err
	}
	return table.Render()
}

// WriteTriggers renders every trigger of state. Bindings, if given, supply
// the status column, otherwise it shows whether the trigger is enabled.
// Timestamps are formatted for locale, eg. de_DE.
func WriteTriggers(w io.Writer, state automation.State, bindings []automation.Binding, locale string, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	status := map[string]string{}
	for _, b := range bindings {
		s := string(b.Status)
		if b.Resolved != "" {
			s = fmt.Sprintf("%s (%s)", s, b.Resolved)
		}
		status[b.Trigger.ID] = s
	}

	table := tablewriter.NewWriter(w)
	table.Header("Scenario", "ID", "Name", "Type", "Event", "Target", "Status", "Updated")
	for _, sc := range state.Scenarios {
		scenario := sc.Slug
		if sc.Slug == state.ActiveScenario {
			scenario += " *"
		}
		for _, t := range sc.Triggers {
			st, ok := status[t.ID]
			if !ok {
				st = "disabled"
				if t.Enabled {
					st = "enabled"
				}
			}
			target := t.Selector
			if target == "" {
				target = t.DataPath
			}
			row := []string{scenario, t.ID, t.Name, string(t.Type), t.EventType, target, st, formatTime(t.UpdatedAt, locale, loc)}
			if err := table.Append(row); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

func formatTime(t time.Time, locale string, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if locale == "" {
		locale = string(monday.LocaleEnUS)
	}
	return monday.Format(t.In(loc), reportTimeLayout, monday.Locale(locale))
}
