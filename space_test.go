package tune

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionalSpace() SearchSpace {
	return Conditional(func(t *TrialHandle) (map[string]any, error) {
		if t.SuggestCategorical("activation", "relu", "tanh") == "relu" {
			t.SuggestFloat("width", 0, 20)
			t.SuggestFloat("height", -100, 100)
		} else {
			t.SuggestFloat("width", -1, 21)
			t.SuggestFloat("height", -101, 101)
		}

		return map[string]any{"steps": 100}, nil
	})
}

func TestDefineByRunBranches(t *testing.T) {
	space := conditionalSpace()
	rng := newRandSource(7)

	seen := map[string]int{}

	for i := 0; i < 1000; i++ {
		a, err := space.Sample(rng)
		require.NoError(t, err)

		assert.Len(t, a, 4)
		assert.Equal(t, 100, a["steps"])

		width, ok := a.Float("width")
		require.True(t, ok)

		height, ok := a.Float("height")
		require.True(t, ok)

		activation, ok := a.String("activation")
		require.True(t, ok)

		seen[activation]++

		switch activation {
		case "relu":
			assert.True(t, width >= 0 && width <= 20, "relu width %v", width)
			assert.True(t, height >= -100 && height <= 100, "relu height %v", height)
		case "tanh":
			assert.True(t, width >= -1 && width <= 21, "tanh width %v", width)
			assert.True(t, height >= -101 && height <= 101, "tanh height %v", height)
		default:
			t.Fatalf("unexpected activation %q", activation)
		}
	}

	assert.Greater(t, seen["relu"], 0)
	assert.Greater(t, seen["tanh"], 0)
}

func TestDefineByRunErrors(t *testing.T) {
	tests := []struct {
		name  string
		fn    DefineByRun
		param string
	}{
		{
			name: "inverted bounds",
			fn: func(t *TrialHandle) (map[string]any, error) {
				t.SuggestFloat("width", 20, 0)
				return nil, nil
			},
			param: "width",
		},
		{
			name: "log range at zero",
			fn: func(t *TrialHandle) (map[string]any, error) {
				t.SuggestLogFloat("lr", 0, 1)
				return nil, nil
			},
			param: "lr",
		},
		{
			name: "conflicting domains",
			fn: func(t *TrialHandle) (map[string]any, error) {
				t.SuggestInt("layers", 1, 4)
				t.SuggestInt("layers", 1, 8)
				return nil, nil
			},
			param: "layers",
		},
		{
			name: "constant overrides parameter",
			fn: func(t *TrialHandle) (map[string]any, error) {
				t.SuggestFloat("width", 0, 1)
				return map[string]any{"width": 3.0}, nil
			},
			param: "width",
		},
		{
			name: "empty choice",
			fn: func(t *TrialHandle) (map[string]any, error) {
				t.SuggestCategorical("activation")
				return nil, nil
			},
			param: "activation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Conditional(tt.fn).Sample(newRandSource(1))

			var spaceErr *InvalidSearchSpaceError
			require.ErrorAs(t, err, &spaceErr)
			assert.Equal(t, tt.param, spaceErr.Param)
		})
	}
}

func TestDefineByRunGeneratorError(t *testing.T) {
	cause := errors.New("boom")

	_, err := Conditional(func(*TrialHandle) (map[string]any, error) {
		return nil, cause
	}).Sample(newRandSource(1))

	var spaceErr *InvalidSearchSpaceError
	require.ErrorAs(t, err, &spaceErr)
	assert.ErrorIs(t, err, cause)
}

func TestDefineByRunRepeatedRequest(t *testing.T) {
	var first, second int

	var requests []ParamRequest

	a, err := Conditional(func(h *TrialHandle) (map[string]any, error) {
		first = h.SuggestInt("layers", 1, 100)
		second = h.SuggestInt("layers", 1, 100)
		requests = h.Params()

		return nil, nil
	}).Sample(newRandSource(1))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, a["layers"])
	assert.Len(t, requests, 1)
}

func TestStaticSpaceValidate(t *testing.T) {
	tests := []struct {
		name  string
		space SearchSpace
		ok    bool
	}{
		{"valid", testSpace(), true},
		{"empty", Static(StaticSpace{}), false},
		{"inverted", Static(StaticSpace{"x": Int(5, 1)}), false},
		{"nan", Static(StaticSpace{"x": Float(math.NaN(), 1)}), false},
		{"negative log", Static(StaticSpace{"x": LogFloat(-1, 1)}), false},
		{"nil domain", Static(StaticSpace{"x": nil}), false},
		{"both kinds", SearchSpace{Static: StaticSpace{"x": Fixed(1)}, Define: conditionalSpace().Define}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.space.Validate()
			if tt.ok {
				assert.NoError(t, err)

				return
			}

			var spaceErr *InvalidSearchSpaceError
			assert.ErrorAs(t, err, &spaceErr)
		})
	}
}

func TestParameterRangeSampling(t *testing.T) {
	rng := newRand(11)

	ints := Int(1, 3)
	logs := LogFloat(1e-4, 1e-1)
	f32 := ParameterRange[float32]{Min: 1, Max: 100}

	hits := map[int]bool{}

	for i := 0; i < 500; i++ {
		v := ints.Sample(rng).(int)
		assert.True(t, v >= 1 && v <= 3)
		hits[v] = true

		lr := logs.Sample(rng).(float64)
		assert.True(t, lr >= 1e-4 && lr <= 1e-1)

		f := f32.Sample(rng).(float32)
		assert.True(t, f >= 1 && f <= 100)
	}

	assert.Len(t, hits, 3)
}

func TestParameterRangeFullWidthIntegers(t *testing.T) {
	rng := newRand(5)

	full := ParameterRange[int64]{Min: math.MinInt64, Max: math.MaxInt64}
	unsigned := ParameterRange[uint64]{Min: 0, Max: math.MaxUint64}
	upper := ParameterRange[uint64]{Min: math.MaxUint64 - 2, Max: math.MaxUint64}
	wide := ParameterRange[int64]{Min: -1, Max: math.MaxInt64}
	small := ParameterRange[int8]{Min: math.MinInt8, Max: math.MaxInt8}

	for _, d := range []Domain{full, unsigned, upper, wide, small} {
		require.NoError(t, d.Validate())
	}

	negative := false

	for i := 0; i < 200; i++ {
		require.NotPanics(t, func() {
			if full.Sample(rng).(int64) < 0 {
				negative = true
			}

			unsigned.Sample(rng)

			assert.GreaterOrEqual(t, upper.Sample(rng).(uint64), uint64(math.MaxUint64-2))
			assert.GreaterOrEqual(t, wide.Sample(rng).(int64), int64(-1))
		})
	}

	assert.True(t, negative)

	assert.Equal(t, int64(math.MaxInt64), full.Decode(1).(int64))
	assert.Equal(t, int64(math.MinInt64), full.Decode(0).(int64))
	assert.Equal(t, uint64(math.MaxUint64), unsigned.Decode(1).(uint64))

	coord := newTestCoordinator(t, func(cfg *Config) {
		cfg.Space = Static(StaticSpace{"seed": full, "offset": unsigned})
	}, NewRandomSearch(3))

	require.NotPanics(t, func() {
		s, ok, err := coord.Suggest()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, s.Params, "seed")
	})
}

func TestDomainEncodeDecode(t *testing.T) {
	r := Float(-10, 10)

	x, ok := r.Encode(0.0)
	require.True(t, ok)
	assert.InDelta(t, 0.5, x, 1e-9)
	assert.InDelta(t, 0.0, r.Decode(x).(float64), 1e-9)

	_, ok = r.Encode(11.0)
	assert.False(t, ok)

	c := Choice("a", "b", "c")

	x, ok = c.Encode("c")
	require.True(t, ok)
	assert.Equal(t, 1.0, x)
	assert.Equal(t, "c", c.Decode(x))

	_, ok = c.Encode("z")
	assert.False(t, ok)

	// Integers decoded from config files arrive as other numeric types.
	n := Choice(16, 32, 64)

	x, ok = n.Encode(int64(32))
	require.True(t, ok)
	assert.Equal(t, 0.5, x)
}
