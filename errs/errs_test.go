package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsKind(t *testing.T) {
	err := E(AlreadyClaimed, "tickets.Claim", "ticket-0001", nil)

	assert.True(t, errors.Is(err, AlreadyClaimed))
	assert.False(t, errors.Is(err, AlreadyClosed))
	assert.Equal(t, "tickets.Claim: already claimed (ticket-0001)", err.Error())
}

func TestWrappedErrorKeepsKind(t *testing.T) {
	cause := errors.New("yt-dlp exited 1")
	err := fmt.Errorf("advance: %w", E(Unresolvable, "music.resolve", "song", cause))

	assert.True(t, errors.Is(err, Unresolvable))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, Unresolvable, KindOf(err))
	assert.Equal(t, "song", SubjectOf(err))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", errors.New("boom"), Unknown},
		{"bare kind", NotFound, NotFound},
		{"typed", E(InvalidState, "op", "", nil), InvalidState},
		{"nil", nil, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", E(NotFound, "op", "x", nil).Reason())
	assert.Equal(t, "gone", E(NotFound, "op", "x", errors.New("gone")).Reason())
}
