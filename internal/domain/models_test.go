package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCuverieMode(t *testing.T) {
	cases := map[string]CuverieMode{
		"HEAT":   ModeHeat,
		"heat":   ModeHeat,
		" Cool ": ModeCool,
		"stop\n": ModeStop,
	}
	for raw, want := range cases {
		mode, ok := ParseCuverieMode(raw)
		require.True(t, ok, "input %q", raw)
		assert.Equal(t, want, mode)
	}

	for _, raw := range []string{"", "LUKEWARM", "HEATING"} {
		_, ok := ParseCuverieMode(raw)
		assert.False(t, ok, "input %q", raw)
	}
}

func TestTankID(t *testing.T) {
	assert.Equal(t, "tank-01", TankID("", 1))
	assert.Equal(t, "tank-07", TankID(DefaultCuverieID, 7))
	assert.Equal(t, "tank-101", TankID(DefaultCuverieID, 101))
	assert.Equal(t, "chai-nord-tank-03", TankID("chai-nord", 3))
}

func TestTankClone(t *testing.T) {
	temp := 18.4
	tank := Tank{
		Index:       1,
		Temperature: &temp,
		Contents:    &TankContents{Grape: "Merlot"},
		History:     []TemperatureSample{{Value: 18.2}},
		Alarms:      []string{"a1"},
	}

	clone := tank.Clone()
	*clone.Temperature = 99.0
	clone.Contents.Grape = "Syrah"
	clone.History[0].Value = 0
	clone.Alarms[0] = "tampered"

	assert.Equal(t, 18.4, *tank.Temperature)
	assert.Equal(t, "Merlot", tank.Contents.Grape)
	assert.Equal(t, 18.2, tank.History[0].Value)
	assert.Equal(t, "a1", tank.Alarms[0])
}
