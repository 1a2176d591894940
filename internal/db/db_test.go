package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/feature"
	"github.com/banshee-data/biostream/internal/pipeline"
	"github.com/banshee-data/biostream/internal/serialport"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsApplyAndRollBack(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// Up again is a no-op, not an error.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, db.MigrateUp())
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	started := time.Now()

	require.NoError(t, db.CreateSession("abc-123", "/dev/ttyUSB0", started, "bench run"))

	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc-123", sessions[0].SessionID)
	assert.Equal(t, "/dev/ttyUSB0", sessions[0].Port)
	assert.Equal(t, "bench run", sessions[0].Notes)
	assert.Nil(t, sessions[0].StoppedAt)

	require.NoError(t, db.CloseSession("abc-123", started.Add(time.Minute)))
	sessions, err = db.Sessions(10)
	require.NoError(t, err)
	require.NotNil(t, sessions[0].StoppedAt)

	assert.Error(t, db.CloseSession("no-such-session", time.Now()))
}

func TestFeatureWindowRoundtrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateSession("s1", "", time.Now(), ""))

	ts := time.Now()
	for ch := 0; ch < 2; ch++ {
		for i := 0; i < 3; i++ {
			v := feature.Vector{
				Channel:   ch,
				Kind:      config.SignalEMG,
				Timestamp: ts.Add(time.Duration(i) * time.Second),
				Values:    map[string]float64{"rms": float64(10*ch + i)},
			}
			require.NoError(t, db.RecordFeatureWindow("s1", v))
		}
	}

	all, err := db.FeatureWindows("s1", -1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	ch1, err := db.FeatureWindows("s1", 1, 0)
	require.NoError(t, err)
	require.Len(t, ch1, 3)
	assert.Equal(t, "EMG", ch1[0].Modality)
	assert.InDelta(t, 10.0, ch1[0].Features["rms"], 1e-9)
	// Oldest first.
	assert.True(t, ch1[0].Timestamp.Before(ch1[2].Timestamp))
}

func TestEventRoundtrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateSession("s1", "", time.Now(), ""))

	e := pipeline.Event{
		SessionID:  "s1",
		Channel:    0,
		Timestamp:  time.Now(),
		Label:      "FIST",
		Confidence: 0.92,
		Source:     "model",
	}
	require.NoError(t, db.RecordEvent(e))

	events, err := db.Events("s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "FIST", events[0].Label)
	assert.InDelta(t, 0.92, events[0].Confidence, 1e-9)
	assert.Equal(t, "model", events[0].Source)
}

func ptrInt(v int) *int { return &v }

func testFrame(seq byte, ch0, ch1 uint16) []byte {
	return []byte{
		0xC7, 0x7C, seq,
		byte(ch0 >> 8), byte(ch0),
		byte(ch1 >> 8), byte(ch1),
		0x01,
	}
}

func TestRecorderPersistsSessionStreams(t *testing.T) {
	db := openTestDB(t)

	cfg := config.DefaultSensorConfig()
	cfg.Window = config.WindowConfig{Samples: ptrInt(8), Stride: ptrInt(4)}

	port := serialport.NewMockPort()
	for i := 0; i < 16; i++ {
		// Mid-scale on both channels keeps every frame in range.
		port.QueueRead(testFrame(byte(i+1), 9000, 8192))
	}

	s, err := pipeline.NewSession(port, cfg)
	require.NoError(t, err)

	rec := NewRecorder(db)
	require.NoError(t, rec.Record(s, "/dev/mock", "recorder test"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port.OnEmpty(cancel)
	require.NoError(t, s.Start(ctx))
	s.Wait()
	s.Stop()
	rec.Wait()

	// EMG window 8 / stride 4 over 16 samples emits vectors at 8, 12
	// and 16.
	windows, err := db.FeatureWindows(s.ID, -1, 0)
	require.NoError(t, err)
	assert.Len(t, windows, 3)

	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID, sessions[0].SessionID)
	assert.Equal(t, "/dev/mock", sessions[0].Port)
	require.NotNil(t, sessions[0].StoppedAt, "recorder should stamp the stop time")
}
