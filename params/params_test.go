package params

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUniform(t *testing.T) {
	f := New(42)
	p := Uniform[float32](f, 10, 20)
	for i := 0; i < 100; i++ {
		value := p.Get()
		require.GreaterOrEqual(t, value, float32(10))
		require.Less(t, value, float32(20))
		f.Renew()
	}
}

func TestGenerations(t *testing.T) {
	f := New(0)
	p := Uniform[float32](f, 0, 1e6)
	require.Equal(t, uint64(0), f.Generation())

	// Values are stable within one generation.
	before := p.Get()
	require.Equal(t, before, p.Get())

	f.Renew()
	require.Equal(t, uint64(1), f.Generation())
	require.NotEqual(t, before, p.Get()) // 1 in 2^52-ish chance of flaking.
}

func TestDeterminism(t *testing.T) {
	draw := func() []float32 {
		f := New(17)
		p := Uniform[float32](f, -1, 1)
		var values []float32
		for i := 0; i < 10; i++ {
			values = append(values, p.Get())
			f.Renew()
		}
		return values
	}
	require.Equal(t, draw(), draw())
}

func TestReset(t *testing.T) {
	f := New(7)
	p := Uniform[int32](f, 0, 1000)
	var first []int32
	for i := 0; i < 5; i++ {
		f.Renew()
		first = append(first, p.Get())
	}

	f.Reset(7)
	require.Equal(t, uint64(0), f.Generation())
	var second []int32
	for i := 0; i < 5; i++ {
		f.Renew()
		second = append(second, p.Get())
	}
	require.Equal(t, first, second)
}

func TestConstant(t *testing.T) {
	p := Constant[int32](3)
	require.Equal(t, int32(3), p.Get())
	// Constants survive factory renewals untouched.
	f := New(1)
	f.Renew()
	require.Equal(t, int32(3), p.Get())
}

func TestGlobal(t *testing.T) {
	require.Same(t, Global(), Global())
}
