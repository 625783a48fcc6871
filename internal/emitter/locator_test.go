// SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countable(title string, err error, children ...*Step) *Step {
	return &Step{Title: title, Category: CategoryTestStep, Err: err, Steps: children}
}

func container(title string, children ...*Step) *Step {
	return &Step{Title: title, Category: "hook", Steps: children}
}

func TestFirstFailedStepNestedOrdinal(t *testing.T) {
	boom := errors.New("locator not found")
	failing := countable("click login", boom)

	tree := []*Step{
		container("before hooks", countable("fixture page", nil)),
		countable("open", nil),
		container("group",
			countable("type user", nil),
			container("inner",
				countable("type password", nil),
				failing,
			),
		),
		countable("logout", nil),
	}

	st, idx, ok := FirstFailedStep(tree)
	require.True(t, ok)
	assert.Same(t, failing, st)
	// fixture page, open, type user, type password precede it.
	assert.Equal(t, 4, idx)
}

func TestFirstFailedStepIgnoresContainerErrors(t *testing.T) {
	tree := []*Step{
		{Title: "hook", Category: "hook", Err: errors.New("hook failed")},
		countable("open", nil),
	}

	_, _, ok := FirstFailedStep(tree)
	assert.False(t, ok)
}

func TestFirstFailedStepParentBeforeChildren(t *testing.T) {
	parentErr := errors.New("parent failed")
	parent := countable("parent", parentErr, countable("child", errors.New("child failed")))

	st, idx, ok := FirstFailedStep([]*Step{countable("first", nil), parent})
	require.True(t, ok)
	assert.Same(t, parent, st)
	assert.Equal(t, 1, idx)
}

func TestFirstFailedStepCountsPassedParentBeforeChildren(t *testing.T) {
	child := countable("child", errors.New("x"))
	st, idx, ok := FirstFailedStep([]*Step{countable("parent", nil, child)})

	require.True(t, ok)
	assert.Same(t, child, st)
	assert.Equal(t, 1, idx)
}

func TestFirstFailedStepNotFound(t *testing.T) {
	st, idx, ok := FirstFailedStep([]*Step{countable("a", nil), container("b", countable("c", nil)), nil})

	assert.False(t, ok)
	assert.Nil(t, st)
	assert.Zero(t, idx)

	_, _, ok = FirstFailedStep(nil)
	assert.False(t, ok)
}

func TestCountSteps(t *testing.T) {
	passed, failed := CountSteps([]*Step{
		countable("a", nil),
		container("g", countable("b", errors.New("x")), countable("c", nil)),
	})

	assert.Equal(t, 2, passed)
	assert.Equal(t, 1, failed)
}
