package serialport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestOptionsNormalizeDefaults(t *testing.T) {
	opts, err := Options{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 230400, opts.BaudRate)
	assert.Equal(t, 8, opts.DataBits)
	assert.Equal(t, 1, opts.StopBits)
	assert.Equal(t, "N", opts.Parity)
}

func TestOptionsNormalizeParityAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"none", "N"},
		{"EVEN", "E"},
		{"odd", "O"},
		{"e", "E"},
	}
	for _, tc := range tests {
		opts, err := Options{Parity: tc.in}.Normalize()
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, opts.Parity, tc.in)
	}
}

func TestOptionsNormalizeRejectsInvalid(t *testing.T) {
	_, err := Options{DataBits: 3}.Normalize()
	assert.Error(t, err)

	_, err = Options{StopBits: 7}.Normalize()
	assert.Error(t, err)

	_, err = Options{Parity: "MARK"}.Normalize()
	assert.Error(t, err)
}

func TestSerialModeStopBitsMapping(t *testing.T) {
	// A stop bit count of 1 must become OneStopBit, not the enum value 1,
	// which the library reads as one-and-a-half stop bits.
	mode, err := Options{StopBits: 1}.serialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)

	mode, err = Options{StopBits: 2}.serialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	mode, err = Options{}.serialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
}

func TestMockPortScriptedReads(t *testing.T) {
	m := NewMockPort([]byte{1, 2, 3}, []byte{4})

	buf := make([]byte, 8)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	n, err = m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, buf[:n])

	// Exhausted script reads like a timeout, not an error.
	n, err = m.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMockPortShortReadKeepsRemainder(t *testing.T) {
	m := NewMockPort([]byte{1, 2, 3, 4})

	buf := make([]byte, 2)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, buf[:n])

	n, err = m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, buf[:n])
}

func TestMockPortInjectedFailure(t *testing.T) {
	m := NewMockPort([]byte{9})
	m.FailReads(ErrClosed)

	buf := make([]byte, 4)
	_, err := m.Read(buf)
	require.NoError(t, err)

	_, err = m.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMockPortClose(t *testing.T) {
	m := NewMockPort()
	require.NoError(t, m.Close())
	assert.True(t, m.Closed())

	_, err := m.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Write([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)
}
