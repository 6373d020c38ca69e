package storage

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-gateway/internal/data"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func reading(sensor string, at time.Duration, v float64) data.RawReading {
	return data.RawReading{DeviceID: "dev-" + sensor, SensorID: sensor, Value: v, Timestamp: t0.Add(at)}
}

func meta(sensor string) SensorMeta {
	return SensorMeta{SensorID: sensor, Type: TypePressure, TenantID: "t1"}
}

func TestStateStore_SnapshotIsBaseline(t *testing.T) {
	s := NewStateStore(Config{WindowSize: 10})

	for i, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		_, err := s.Update(meta("S1"), reading("S1", time.Duration(i)*time.Second, v))
		require.NoError(t, err)
	}

	snap, err := s.Update(meta("S1"), reading("S1", 10*time.Second, 100))
	require.NoError(t, err)

	assert.Equal(t, 8, snap.Count)
	assert.InDelta(t, 5.0, snap.Mean, 1e-9)
	// sample stddev of the eight values above
	assert.InDelta(t, math.Sqrt(32.0/7.0), snap.StdDev, 1e-9)
	assert.Equal(t, 9.0, snap.LastValue)
	assert.True(t, snap.HasLast)
	assert.Equal(t, 100.0, snap.Latest)
	assert.Equal(t, 9, snap.WindowLen)
}

func TestStateStore_EvictsBySizeAndRetention(t *testing.T) {
	s := NewStateStore(Config{WindowSize: 3, Retention: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := s.Update(meta("S1"), reading("S1", time.Duration(i)*time.Second, float64(i)))
		require.NoError(t, err)
	}
	w := s.Window("S1")
	require.Len(t, w, 3)
	assert.Equal(t, 2.0, w[0].Value)

	_, err := s.Update(meta("S1"), reading("S1", 10*time.Minute, 50))
	require.NoError(t, err)

	w = s.Window("S1")
	require.Len(t, w, 1, "entries past the retention horizon are evicted")
	assert.Equal(t, 50.0, w[0].Value)

	snap, ok := s.Peek("S1")
	require.True(t, ok)
	assert.InDelta(t, 50.0, snap.Mean, 1e-9)
	assert.Zero(t, snap.StdDev)
}

func TestStateStore_WindowStaysOrdered(t *testing.T) {
	s := NewStateStore(Config{WindowSize: 50})

	_, err := s.Update(meta("S1"), reading("S1", 5*time.Second, 1))
	require.NoError(t, err)

	_, err = s.Update(meta("S1"), reading("S1", 2*time.Second, 1))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	w := s.Window("S1")
	require.Len(t, w, 1)
}

func TestStateStore_DedupsReplayedReading(t *testing.T) {
	s := NewStateStore(Config{})

	r := reading("S1", time.Second, 3.3)
	_, err := s.Update(meta("S1"), r)
	require.NoError(t, err)
	_, err = s.Update(meta("S1"), reading("S1", 2*time.Second, 3.4))
	require.NoError(t, err)

	_, err = s.Update(meta("S1"), r)
	assert.ErrorIs(t, err, ErrDuplicateReading)
	assert.Len(t, s.Window("S1"), 2, "replay must not be double counted")
}

func TestStateStore_Capacity(t *testing.T) {
	s := NewStateStore(Config{MaxSensors: 2, Shards: 4})

	_, err := s.Update(meta("A"), reading("A", 0, 1))
	require.NoError(t, err)
	_, err = s.Update(meta("B"), reading("B", 0, 1))
	require.NoError(t, err)

	_, err = s.Update(meta("C"), reading("C", 0, 1))
	assert.ErrorIs(t, err, ErrStoreFull)

	_, err = s.Update(meta("A"), reading("A", time.Second, 1))
	assert.NoError(t, err, "known sensors keep updating at capacity")

	assert.Equal(t, 2, s.Sweep(t0.Add(48*time.Hour)))
	assert.Equal(t, 0, s.Len())

	_, err = s.Update(meta("C"), reading("C", 49*time.Hour, 1))
	assert.NoError(t, err)
}

func TestStateStore_Silent(t *testing.T) {
	s := NewStateStore(Config{})
	_, _ = s.Update(meta("A"), reading("A", 0, 1))
	_, _ = s.Update(meta("B"), reading("B", 20*time.Minute, 1))

	silent := s.Silent(t0.Add(25*time.Minute), 15*time.Minute)
	require.Len(t, silent, 1)
	assert.Equal(t, "A", silent[0].Meta.SensorID)
}

func TestStateStore_WelfordMatchesDirectComputation(t *testing.T) {
	s := NewStateStore(Config{WindowSize: 7})

	values := make([]float64, 40)
	for i := range values {
		values[i] = math.Sin(float64(i)) * 10
		_, err := s.Update(meta("S1"), reading("S1", time.Duration(i)*time.Second, values[i]))
		require.NoError(t, err)
	}

	tail := values[len(values)-7:]
	var mean float64
	for _, v := range tail {
		mean += v
	}
	mean /= float64(len(tail))
	var ss float64
	for _, v := range tail {
		ss += (v - mean) * (v - mean)
	}

	snap, ok := s.Peek("S1")
	require.True(t, ok)
	assert.InDelta(t, mean, snap.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(ss/6), snap.StdDev, 1e-9)
}

func TestStateStore_ParallelSensors(t *testing.T) {
	s := NewStateStore(Config{WindowSize: 1000})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("S%d", g)
			for i := 0; i < 200; i++ {
				_, err := s.Update(meta(id), reading(id, time.Duration(i)*time.Millisecond, float64(i)))
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 8, s.Len())
	for g := 0; g < 8; g++ {
		assert.Len(t, s.Window(fmt.Sprintf("S%d", g)), 200)
	}
}

func TestRegistry(t *testing.T) {
	floor := 2.0
	r := NewRegistry("default", []SensorConfig{
		{SensorID: "P1", DeviceID: "D1", Type: TypePressure, Tenant: "north", Thresholds: Thresholds{Floor: &floor}},
		{SensorID: "F1", DeviceID: "D1", Type: TypeFlow},
	})

	p := r.Lookup("P1", "D1")
	assert.True(t, p.Registered)
	assert.Equal(t, "north", p.TenantID)
	require.NotNil(t, p.Thresholds.Floor)

	f := r.Lookup("F1", "D1")
	assert.Equal(t, "default", f.TenantID)

	u := r.Lookup("X9", "D7")
	assert.False(t, u.Registered)
	assert.Equal(t, TypeGeneric, u.Type)
	assert.Equal(t, "D7", u.DeviceID)

	assert.Equal(t, []string{"F1"}, r.Siblings("D1", "P1"))
}
