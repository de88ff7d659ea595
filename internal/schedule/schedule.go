// Package schedule assigns recipients to threshold-based campaign buckets.
//
// Each run places every candidate in at most one bucket. Schedules are
// ordered by ThresholdDays; the rule applied to a recipient depends on its
// history:
//
//   - never messaged, or last template is the initial sentinel: first assignment
//   - re-engaged (event after the last send): first assignment again
//   - otherwise: progress to the next higher threshold once both the event age
//     reaches it and the time since the last send reaches the average gap
//     between thresholds; past the highest, loop to the lowest or stop
package schedule

import (
	"sort"
	"time"

	"github.com/lalithlochan/herald/internal/db"
)

// Completion decides what happens after the highest schedule.
type Completion string

const (
	Loop Completion = "loop"
	Stop Completion = "stop"
)

// FirstMatch selects the schedule used for a first assignment when several
// thresholds qualify.
type FirstMatch string

const (
	// MatchHighest picks the highest threshold not exceeding the event age.
	MatchHighest FirstMatch = "highest"
	// MatchFirst picks the lowest qualifying threshold.
	MatchFirst FirstMatch = "first"
)

// DefaultBucketCap bounds each bucket.
const DefaultBucketCap = 500

// Options tune a run.
type Options struct {
	BucketCap  int
	Completion Completion
	FirstMatch FirstMatch
}

// Rule names the branch that produced an assignment.
type Rule string

const (
	RuleFirst    Rule = "first_assignment"
	RuleRestart  Rule = "re_engaged"
	RuleProgress Rule = "progression"
	RuleLoop     Rule = "loop"
)

// Bucket is the output of one schedule for one run.
type Bucket struct {
	Schedule   *db.ScheduleDefinition
	Recipients []*db.Recipient
	// Overflow counts recipients that qualified but did not fit under the cap.
	Overflow int
}

// Plan is the result of a run.
type Plan struct {
	Buckets    []Bucket
	AverageGap float64
	Considered int
	Assigned   int
	Rules      map[Rule]int
}

// AverageGap is the mean gap between consecutive thresholds. A single
// schedule uses its own threshold.
func AverageGap(schedules []*db.ScheduleDefinition) float64 {
	switch len(schedules) {
	case 0:
		return 0
	case 1:
		return float64(schedules[0].ThresholdDays)
	}
	sorted := sortedSchedules(schedules)
	span := sorted[len(sorted)-1].ThresholdDays - sorted[0].ThresholdDays
	return float64(span) / float64(len(sorted)-1)
}

// DaysBetween counts whole days from a to b.
func DaysBetween(a, b time.Time) int {
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}

// Assign buckets candidates against schedules as of now.
func Assign(schedules []*db.ScheduleDefinition, candidates []*db.Recipient, now time.Time, opts Options) Plan {
	if opts.BucketCap <= 0 {
		opts.BucketCap = DefaultBucketCap
	}
	if opts.FirstMatch == "" {
		opts.FirstMatch = MatchHighest
	}
	if opts.Completion == "" {
		opts.Completion = Loop
	}

	active := make([]*db.ScheduleDefinition, 0, len(schedules))
	for _, s := range schedules {
		if s.Active {
			active = append(active, s)
		}
	}
	active = sortedSchedules(active)

	plan := Plan{
		AverageGap: AverageGap(active),
		Rules:      make(map[Rule]int),
	}
	if len(active) == 0 {
		return plan
	}

	members := make(map[int][]*db.Recipient, len(active))
	for _, r := range candidates {
		if r.DoNotContact || r.EventAt == nil {
			continue
		}
		plan.Considered++

		idx, rule := pick(active, r, now, plan.AverageGap, opts)
		if idx < 0 {
			continue
		}
		members[idx] = append(members[idx], r)
		plan.Rules[rule]++
	}

	for i, s := range active {
		rs := members[i]
		if len(rs) == 0 {
			continue
		}
		sortOldestFirst(rs)
		b := Bucket{Schedule: s, Recipients: rs}
		if len(rs) > opts.BucketCap {
			b.Recipients = rs[:opts.BucketCap]
			b.Overflow = len(rs) - opts.BucketCap
		}
		plan.Assigned += len(b.Recipients)
		plan.Buckets = append(plan.Buckets, b)
	}
	return plan
}

// pick returns the index of the schedule for r, or -1.
func pick(schedules []*db.ScheduleDefinition, r *db.Recipient, now time.Time, avgGap float64, opts Options) (int, Rule) {
	daysSinceEvent := DaysBetween(*r.EventAt, now)

	if r.LastMessageSentAt == nil || r.LastTemplateUsed == db.InitialTemplate {
		return firstAssignment(schedules, daysSinceEvent, opts.FirstMatch), RuleFirst
	}
	if r.EventAt.After(*r.LastMessageSentAt) {
		return firstAssignment(schedules, daysSinceEvent, opts.FirstMatch), RuleRestart
	}

	last := lastUsed(schedules, r.LastTemplateUsed)
	if last < 0 {
		return firstAssignment(schedules, daysSinceEvent, opts.FirstMatch), RuleRestart
	}

	daysSinceSent := DaysBetween(*r.LastMessageSentAt, now)
	if float64(daysSinceSent) < avgGap {
		return -1, ""
	}

	next := -1
	for i := last + 1; i < len(schedules); i++ {
		if schedules[i].ThresholdDays > schedules[last].ThresholdDays {
			next = i
			break
		}
	}
	if next >= 0 {
		if daysSinceEvent >= schedules[next].ThresholdDays {
			return next, RuleProgress
		}
		return -1, ""
	}

	if opts.Completion == Loop {
		return 0, RuleLoop
	}
	return -1, ""
}

func firstAssignment(schedules []*db.ScheduleDefinition, daysSinceEvent int, match FirstMatch) int {
	chosen := -1
	for i, s := range schedules {
		if s.ThresholdDays > daysSinceEvent {
			break
		}
		chosen = i
		if match == MatchFirst {
			break
		}
	}
	return chosen
}

// lastUsed finds the schedule whose template was sent last. When several
// share the template the highest threshold wins.
func lastUsed(schedules []*db.ScheduleDefinition, templateRef string) int {
	if templateRef == "" {
		return -1
	}
	found := -1
	for i, s := range schedules {
		if s.TemplateRef == templateRef {
			found = i
		}
	}
	return found
}

func sortedSchedules(in []*db.ScheduleDefinition) []*db.ScheduleDefinition {
	out := append([]*db.ScheduleDefinition(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ThresholdDays < out[j].ThresholdDays })
	return out
}

// sortOldestFirst orders never-messaged recipients first, then by last send.
func sortOldestFirst(rs []*db.Recipient) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i].LastMessageSentAt, rs[j].LastMessageSentAt
		switch {
		case a == nil && b == nil:
			return rs[i].ID.String() < rs[j].ID.String()
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return rs[i].ID.String() < rs[j].ID.String()
		}
	})
}
