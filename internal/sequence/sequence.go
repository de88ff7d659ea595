// Package sequence picks the next step of a message sequence for a
// recipient from its send history. It is pure: no I/O, no clock.
package sequence

import (
	"errors"
	"sort"

	"github.com/lalithlochan/herald/internal/db"
)

// Completion decides what happens after the last step.
type Completion string

const (
	// Loop wraps to the first step.
	Loop Completion = "loop"
	// Stop ends the sequence for the recipient.
	Stop Completion = "stop"
)

// DefaultLookahead bounds the forward scan over step-number gaps.
const DefaultLookahead = 50

// ErrEmptySequence is returned for a sequence without steps.
var ErrEmptySequence = errors.New("sequence has no steps")

// Options tune NextStep.
type Options struct {
	Completion Completion
	Lookahead  int
}

// Result is the step chosen for a recipient. Done means the sequence is
// finished under the Stop policy and Step is zero.
type Result struct {
	Step    db.Step
	Wrapped bool
	Done    bool
}

// NextStep returns the step to send next.
//
//  1. No recorded step, or the last template is the welcome sentinel: first step.
//  2. Last template not part of the sequence (it was edited): first step.
//  3. The next existing step number within Lookahead after the last one.
//  4. Otherwise loop to the first step or stop, per Completion.
func NextStep(r *db.Recipient, seq *db.SequenceDefinition, opts Options) (Result, error) {
	if seq == nil || len(seq.Steps) == 0 {
		return Result{}, ErrEmptySequence
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}

	steps := append([]db.Step(nil), seq.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	first := steps[0]

	if r.LastSequenceStep <= 0 || r.LastTemplateUsed == db.WelcomeTemplate {
		return Result{Step: first}, nil
	}

	if r.LastTemplateUsed != "" && !containsTemplate(steps, r.LastTemplateUsed) {
		return Result{Step: first}, nil
	}

	byNumber := make(map[int]db.Step, len(steps))
	for _, s := range steps {
		byNumber[s.StepNumber] = s
	}
	for n := r.LastSequenceStep + 1; n <= r.LastSequenceStep+opts.Lookahead; n++ {
		if s, ok := byNumber[n]; ok {
			return Result{Step: s}, nil
		}
	}

	if opts.Completion == Stop {
		return Result{Done: true}, nil
	}
	return Result{Step: first, Wrapped: true}, nil
}

// Record advances the recipient's sequence bookkeeping after step was used.
func Record(r *db.Recipient, step db.Step) {
	r.LastSequenceStep = step.StepNumber
	r.LastTemplateUsed = step.TemplateRef
}

func containsTemplate(steps []db.Step, ref string) bool {
	for _, s := range steps {
		if s.TemplateRef == ref {
			return true
		}
	}
	return false
}
