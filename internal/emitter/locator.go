// SPDX-License-Identifier: Apache-2.0

package emitter

import "time"

// CategoryTestStep marks a user visible, ordinal bearing step. Other
// categories (hooks, fixtures, groups) are structural containers.
const CategoryTestStep = "test.step"

// Step is a node of a run's step tree.
type Step struct {
	Title    string
	Category string
	Duration time.Duration
	Err      error
	Steps    []*Step
}

// FirstFailedStep returns the first countable step carrying an error, in
// depth-first declaration order, together with the number of countable steps
// visited before it. Non-countable steps are descended into but not counted.
func FirstFailedStep(steps []*Step) (*Step, int, bool) {
	ordinal := 0
	found := findFirstFailed(steps, &ordinal)
	if found == nil {
		return nil, 0, false
	}
	return found, ordinal, true
}

func findFirstFailed(steps []*Step, ordinal *int) *Step {
	for _, st := range steps {
		if st == nil {
			continue
		}
		if st.Category == CategoryTestStep {
			if st.Err != nil {
				return st
			}
			*ordinal++
		}
		if found := findFirstFailed(st.Steps, ordinal); found != nil {
			return found
		}
	}
	return nil
}

// CountSteps returns the number of passed and failed countable steps in the tree.
func CountSteps(steps []*Step) (passed, failed int) {
	for _, st := range steps {
		if st == nil {
			continue
		}
		if st.Category == CategoryTestStep {
			if st.Err != nil {
				failed++
			} else {
				passed++
			}
		}
		p, f := CountSteps(st.Steps)
		passed += p
		failed += f
	}
	return passed, failed
}
