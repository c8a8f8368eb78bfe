package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectionAllows(t *testing.T) {
	require.True(t, DirectionBidirectional.AllowsAToB())
	require.True(t, DirectionBidirectional.AllowsBToA())

	require.True(t, DirectionAToB.AllowsAToB())
	require.False(t, DirectionAToB.AllowsBToA())

	require.False(t, DirectionBToA.AllowsAToB())
	require.True(t, DirectionBToA.AllowsBToA())
}

func TestEffectivePolicy(t *testing.T) {
	pair := &CalendarPair{}
	require.Equal(t, PolicyLatestWins, pair.EffectivePolicy(PolicyLatestWins))

	override := PolicyAWins
	pair.ConflictPolicy = &override
	require.Equal(t, PolicyAWins, pair.EffectivePolicy(PolicyLatestWins))
}
