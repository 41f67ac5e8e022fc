package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyMarks(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", Validationf("event %q has no actors", "e1"), IsValidation},
		{"duplicate", Duplicatef("idempotency key %q", "k"), IsDuplicate},
		{"not found", NotFoundf("actor %q", "a"), IsNotFound},
		{"empty index", EmptyIndexf("no patterns"), IsEmptyIndex},
		{"conflict", Conflictf("subject %q", "a"), IsConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.check(tc.err))
			assert.True(t, tc.check(Wrap(tc.err, "outer")), "mark survives wrapping")
		})
	}
}

func TestTaxonomyDoesNotCrossMatch(t *testing.T) {
	err := Validationf("bad")
	assert.False(t, IsDuplicate(err))
	assert.False(t, IsNotFound(err))
	assert.False(t, IsConflict(nil))
}

func TestMessagePreserved(t *testing.T) {
	err := NotFoundf("actor %q", "acct-7")
	assert.Equal(t, `actor "acct-7"`, err.Error())
}
