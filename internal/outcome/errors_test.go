package outcome

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepoWrapsWithGenericMessage(t *testing.T) {
	cause := errors.New("pq: password authentication failed for user hush")
	err := Repo("save message", cause)

	var re *RepositoryError
	assert.True(t, errors.As(err, &re))
	assert.Equal(t, "storage failure during save message", err.Error())
	assert.NotContains(t, err.Error(), "password")
	assert.ErrorIs(t, err, cause)
}

func TestRepoPassesThrough(t *testing.T) {
	assert.NoError(t, Repo("x", nil))
	assert.ErrorIs(t, Repo("x", ErrNotFound), ErrNotFound)

	inner := Repo("inner", errors.New("boom"))
	assert.Same(t, inner, Repo("outer", inner))
}

func TestReasonValid(t *testing.T) {
	for _, r := range Reasons() {
		assert.True(t, r.Valid(), r)
	}
	assert.True(t, ReasonNone.Valid())
	assert.False(t, Reason("made_up").Valid())
}
