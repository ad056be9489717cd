package recap

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Timeline bucket keys in the canonical recap JSON.
const (
	timelineCurrent    = "current"
	timelineRecent     = "recent_events"
	timelineHistorical = "historical"
)

// recentWindowDays separates "recent" from "historical" in the multi-stage
// classification.
const recentWindowDays = 7

//nolint:gochecknoglobals // Fixed traversal order keeps filtering deterministic
var timelineOrder = []string{timelineCurrent, timelineRecent, timelineHistorical}

// strippedFields are removed from every event the age filter keeps. The
// surviving recap carries only what the next chapter needs.
//
//nolint:gochecknoglobals // Field list shared by filter and tests
var strippedFields = []string{"date_start", "date_end", "symbols_motifs", "importance", "chapter_context"}

//nolint:gochecknoglobals // Compiled once
var isoDateRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

//nolint:gochecknoglobals // Layout list for lenient event-date parsing
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// ParseEventDate parses a model-written date leniently: ISO first, then a
// handful of prose forms, finally any embedded YYYY-MM-DD substring.
func ParseEventDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if m := isoDateRE.FindString(s); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FilterAgedEvents is the programmatic final pass over a formatted recap:
// only high-importance events survive, events older than maxAgeDays relative
// to the recap's newest date are dropped, and bookkeeping fields are stripped
// from what remains. The meta block is recounted. The input is not mutated.
func FilterAgedEvents(recapObj map[string]any, storyStartDate string, maxAgeDays int) map[string]any {
	current, haveCurrent := latestEventDate(recapObj)
	if !haveCurrent {
		current, haveCurrent = ParseEventDate(storyStartDate)
	}

	var cutoff time.Time
	if haveCurrent && maxAgeDays > 0 {
		cutoff = current.AddDate(0, 0, -maxAgeDays)
	}

	timelines := map[string]any{}
	total := 0
	for _, name := range timelineOrder {
		kept := make([]any, 0)
		for _, ev := range bucketEvents(recapObj, name) {
			if !strings.EqualFold(eventString(ev, "importance"), "high") {
				continue
			}
			if !cutoff.IsZero() {
				if d, ok := ParseEventDate(eventString(ev, "date_start")); ok && d.Before(cutoff) {
					continue
				}
			}
			kept = append(kept, stripEvent(ev))
		}
		total += len(kept)
		timelines[name] = map[string]any{"events": kept}
	}

	meta := cloneMeta(recapObj)
	meta["total_events"] = total
	if haveCurrent {
		meta["latest_event_date"] = current.Format("2006-01-02")
	}

	return map[string]any{
		"meta":               meta,
		"events_by_timeline": timelines,
	}
}

// ClassifyTimelines rebuckets every event by its age relative to the recap's
// newest date: same-day-or-future events are current, events up to seven
// days old are recent, older ones historical. Events without a parseable
// date stay where the model put them. Runs before FilterAgedEvents, while
// dates are still present.
func ClassifyTimelines(recapObj map[string]any) map[string]any {
	current, haveCurrent := latestEventDate(recapObj)
	if !haveCurrent {
		return recapObj
	}

	buckets := map[string][]any{
		timelineCurrent:    {},
		timelineRecent:     {},
		timelineHistorical: {},
	}
	for _, name := range timelineOrder {
		for _, ev := range bucketEvents(recapObj, name) {
			target := name
			if d, ok := ParseEventDate(eventString(ev, "date_start")); ok {
				age := daysBetween(d, current)
				switch {
				case age <= 0:
					target = timelineCurrent
				case age <= recentWindowDays:
					target = timelineRecent
				default:
					target = timelineHistorical
				}
			}
			buckets[target] = append(buckets[target], ev)
		}
	}

	timelines := map[string]any{}
	for _, name := range timelineOrder {
		timelines[name] = map[string]any{"events": buckets[name]}
	}
	return map[string]any{
		"meta":               cloneMeta(recapObj),
		"events_by_timeline": timelines,
	}
}

// FormatSections renders a recap as three headed sections for prompt
// injection on the multi-stage path.
func FormatSections(recapObj map[string]any) string {
	titles := map[string]string{
		timelineCurrent:    "Current Events",
		timelineRecent:     "Recent Events",
		timelineHistorical: "Historical Events",
	}

	var sb strings.Builder
	for i, name := range timelineOrder {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("=== " + titles[name] + " ===\n")
		events := bucketEvents(recapObj, name)
		if len(events) == 0 {
			sb.WriteString("(none)")
			continue
		}
		lines := make([]string, 0, len(events))
		for _, ev := range events {
			lines = append(lines, eventLine(ev))
		}
		sb.WriteString(strings.Join(lines, "\n"))
	}
	return sb.String()
}

// eventLine renders one event as a bullet with its known participants.
func eventLine(ev map[string]any) string {
	desc := eventString(ev, "description")
	if desc == "" {
		desc = "(no description)"
	}

	var extras []string
	if chars := stringSlice(ev["characters"]); len(chars) > 0 {
		extras = append(extras, "characters: "+strings.Join(chars, ", "))
	}
	if loc := eventString(ev, "location"); loc != "" {
		extras = append(extras, "location: "+loc)
	}

	if len(extras) == 0 {
		return "- " + desc
	}
	return fmt.Sprintf("- %s (%s)", desc, strings.Join(extras, "; "))
}

// latestEventDate finds the newest parseable date_start across all buckets.
func latestEventDate(recapObj map[string]any) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, name := range timelineOrder {
		for _, ev := range bucketEvents(recapObj, name) {
			if d, ok := ParseEventDate(eventString(ev, "date_start")); ok {
				if !found || d.After(latest) {
					latest = d
					found = true
				}
			}
		}
	}
	return latest, found
}

// bucketEvents extracts one timeline bucket's event objects, tolerating any
// structural deviation by returning what it can.
func bucketEvents(recapObj map[string]any, bucket string) []map[string]any {
	timelines, ok := recapObj["events_by_timeline"].(map[string]any)
	if !ok {
		return nil
	}
	section, ok := timelines[bucket].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := section["events"].([]any)
	if !ok {
		return nil
	}

	events := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if ev, ok := item.(map[string]any); ok {
			events = append(events, ev)
		}
	}
	return events
}

// stripEvent copies an event without the fields the filter removes.
func stripEvent(ev map[string]any) map[string]any {
	out := make(map[string]any, len(ev))
	for k, v := range ev {
		out[k] = v
	}
	for _, field := range strippedFields {
		delete(out, field)
	}
	return out
}

// cloneMeta copies the recap's meta block, tolerating absence.
func cloneMeta(recapObj map[string]any) map[string]any {
	out := map[string]any{}
	if meta, ok := recapObj["meta"].(map[string]any); ok {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = meta[k]
		}
	}
	return out
}

func eventString(ev map[string]any, key string) string {
	if s, ok := ev[key].(string); ok {
		return s
	}
	return ""
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// daysBetween returns the whole days by which from precedes to.
func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
