package circulation_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in   string
		want circulation.Condition
	}{
		{"", circulation.ConditionGood},
		{"good", circulation.ConditionGood},
		{" OK ", circulation.ConditionGood},
		{"Bueno", circulation.ConditionGood},
		{"damaged", circulation.ConditionDamaged},
		{"DAMAGE", circulation.ConditionDamaged},
		{"Dañado", circulation.ConditionDamaged},
		{"danado", circulation.ConditionDamaged},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := circulation.ParseCondition(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := circulation.ParseCondition("wet")
	assert.True(t, circulation.IsValidation(err))
}

func TestError_MatchesByCodeAndKind(t *testing.T) {
	err := fmt.Errorf("renew: %w", circulation.ErrMemberHasArrears)

	assert.ErrorIs(t, err, circulation.ErrMemberHasArrears)
	assert.ErrorIs(t, err, circulation.ErrConflict)
	assert.NotErrorIs(t, err, circulation.ErrMemberInactive)
	assert.NotErrorIs(t, err, circulation.ErrNotFound)
	assert.Equal(t, circulation.CodeMemberHasArrears, circulation.CodeOf(err))
	assert.Equal(t, circulation.Code(""), circulation.CodeOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", circulation.ErrConcurrentModification)

	assert.True(t, circulation.IsRetryable(wrapped))
	assert.False(t, circulation.IsRetryable(circulation.ErrStaleWrite))
}
