package rate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid", Profile{Stages: []Stage{{Target: 10, Duration: time.Second}}}, false},
		{"no stages", Profile{}, true},
		{"zero duration", Profile{Stages: []Stage{{Target: 10}}}, true},
		{"negative target", Profile{Stages: []Stage{{Target: -1, Duration: time.Second}}}, true},
		{"negative start", Profile{StartRate: -3, Stages: []Stage{{Target: 1, Duration: time.Second}}}, true},
		{"NaN target", Profile{Stages: []Stage{{Target: math.NaN(), Duration: time.Second}}}, true},
		{"zero target allowed", Profile{Stages: []Stage{{Target: 0, Duration: time.Second}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProfile_RateAt_Interpolates(t *testing.T) {
	p := Profile{
		StartRate: 10,
		Stages: []Stage{
			{Target: 50, Duration: 10 * time.Second},
			{Target: 50, Duration: 10 * time.Second},
			{Target: 0, Duration: 10 * time.Second},
		},
	}

	assert.InDelta(t, 10, p.RateAt(0), 1e-9)
	assert.InDelta(t, 30, p.RateAt(5*time.Second), 1e-9)
	assert.InDelta(t, 50, p.RateAt(15*time.Second), 1e-9)
	assert.InDelta(t, 25, p.RateAt(25*time.Second), 1e-9)
	assert.Equal(t, 0.0, p.RateAt(31*time.Second))
}

func TestProfile_RateAt_TimeUnit(t *testing.T) {
	p := Profile{
		StartRate: 60,
		TimeUnit:  time.Minute,
		Stages:    []Stage{{Target: 60, Duration: time.Minute}},
	}
	assert.InDelta(t, 1.0, p.RateAt(10*time.Second), 1e-9)
	assert.InDelta(t, 60.0, p.Total(), 1e-6)
}

func TestProfile_Cumulative(t *testing.T) {
	p := Profile{
		Stages: []Stage{
			{Target: 10, Duration: 10 * time.Second}, // ramp 0 -> 10: 50 iterations
			{Target: 10, Duration: 10 * time.Second}, // hold: 100 iterations
		},
	}

	assert.InDelta(t, 0, p.Cumulative(0), 1e-9)
	assert.InDelta(t, 12.5, p.Cumulative(5*time.Second), 1e-9)
	assert.InDelta(t, 50, p.Cumulative(10*time.Second), 1e-9)
	assert.InDelta(t, 150, p.Total(), 1e-9)
	assert.InDelta(t, 150, p.Cumulative(time.Hour), 1e-9)
}

func TestProfile_ArrivalOffset_Constant(t *testing.T) {
	p := Profile{StartRate: 10, Stages: []Stage{{Target: 10, Duration: 10 * time.Second}}}

	first, ok := p.ArrivalOffset(0)
	require.True(t, ok)
	assert.InDelta(t, float64(50*time.Millisecond), float64(first), float64(time.Microsecond))

	second, ok := p.ArrivalOffset(1)
	require.True(t, ok)
	assert.InDelta(t, float64(100*time.Millisecond), float64(second-first), float64(time.Microsecond))

	var count int64
	for {
		if _, ok := p.ArrivalOffset(count); !ok {
			break
		}
		count++
	}
	assert.Equal(t, int64(100), count)
}

func TestProfile_ArrivalOffset_Monotonic(t *testing.T) {
	p := Profile{
		StartRate: 5,
		Stages: []Stage{
			{Target: 40, Duration: 3 * time.Second},
			{Target: 0, Duration: 2 * time.Second},
			{Target: 0, Duration: 2 * time.Second},
			{Target: 20, Duration: 2 * time.Second},
		},
	}

	var prev time.Duration = -1
	var n int64
	for ; ; n++ {
		off, ok := p.ArrivalOffset(n)
		if !ok {
			break
		}
		require.Greater(t, off, prev, "offset %d not increasing", n)
		prev = off
	}
	assert.InDelta(t, p.Total(), float64(n), 1)
}

func TestProfile_ArrivalOffset_ZeroRateStageIsSilent(t *testing.T) {
	p := Profile{
		StartRate: 0,
		Stages: []Stage{
			{Target: 0, Duration: 5 * time.Second},
			{Target: 10, Duration: 5 * time.Second, Name: "ramp"},
		},
	}

	// Second stage ramps 0 -> 10, so nothing may start in the first 5s.
	off, ok := p.ArrivalOffset(0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, off, 5*time.Second)

	silent := Profile{Stages: []Stage{{Target: 0, Duration: time.Minute}}}
	_, ok = silent.ArrivalOffset(0)
	assert.False(t, ok)
}

func TestProfile_ArrivalOffset_ConvergesPerStage(t *testing.T) {
	p := Profile{
		StartRate: 20,
		Stages: []Stage{
			{Target: 20, Duration: 60 * time.Second},
			{Target: 80, Duration: 60 * time.Second},
		},
	}

	counts := make([]int, len(p.Stages))
	for n := int64(0); ; n++ {
		off, ok := p.ArrivalOffset(n)
		if !ok {
			break
		}
		counts[p.StageAt(off)]++
	}

	assert.InDelta(t, 1200, counts[0], 1)
	assert.InDelta(t, 3000, counts[1], 1)
}

func TestProfile_StageAt(t *testing.T) {
	p := Profile{Stages: []Stage{
		{Target: 1, Duration: time.Second},
		{Target: 1, Duration: time.Second},
	}}
	assert.Equal(t, 0, p.StageAt(0))
	assert.Equal(t, 1, p.StageAt(1500*time.Millisecond))
	assert.Equal(t, -1, p.StageAt(2*time.Second))
}

func TestProfile_ArrivalOffset_RampDownStaysOrdered(t *testing.T) {
	for from := 1.0; from <= 200; from += 3 {
		for secs := 1; secs <= 60; secs += 4 {
			p := Profile{
				StartRate: from,
				Stages:    []Stage{{Target: 0, Duration: time.Duration(secs) * time.Second}},
			}
			var prev time.Duration
			for n := int64(0); ; n++ {
				off, ok := p.ArrivalOffset(n)
				if !ok {
					break
				}
				if off < prev || off >= p.Duration() {
					t.Fatalf("from=%v d=%ds n=%d: offset %v out of order (prev %v)", from, secs, n, off, prev)
				}
				prev = off
			}
		}
	}
}

func TestSolveStage_NegativeDiscriminant(t *testing.T) {
	// want slightly past the stage area of a ramp 7 -> 0 over 25s.
	d := 25.0
	area := 7 * d / 2
	x := solveStage(7, 0, d, area*(1+1e-12))
	assert.False(t, math.IsNaN(x))
	assert.InDelta(t, d, x, 1e-3)
}
