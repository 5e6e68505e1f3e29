package zmqlink

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventRecord(t *testing.T) {
	t.Parallel()

	t.Run("ttl from content", func(t *testing.T) {
		t.Parallel()
		rec, err := DecodeEventRecord(json.RawMessage(`{"type":3,"stream":"s","sample_num":10,"source_node":100,"event_state":1,"event_line":6,"event_word":64}`), nil)
		require.NoError(t, err)
		assert.Equal(t, EventTTL, rec.Kind)
		assert.True(t, rec.EventState)
		assert.Equal(t, 6, rec.EventLine)
		assert.Equal(t, uint64(64), rec.EventWord)
		assert.Zero(t, rec.NumBytes)
	})

	t.Run("ttl payload overrides content", func(t *testing.T) {
		t.Parallel()
		payload := make([]byte, 10)
		payload[0] = 1
		binary.LittleEndian.PutUint64(payload[2:], 2)
		rec, err := DecodeEventRecord(json.RawMessage(`{"type":3,"event_state":1,"event_line":6}`), payload)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.EventLine)
		assert.False(t, rec.EventState)
		assert.Equal(t, uint64(2), rec.EventWord)
		assert.Equal(t, 10, rec.NumBytes)
	})

	t.Run("timestamp", func(t *testing.T) {
		t.Parallel()
		payload := binary.LittleEndian.AppendUint64(nil, uint64(123456789))
		rec, err := DecodeEventRecord(json.RawMessage(`{"type":0}`), payload)
		require.NoError(t, err)
		require.NotNil(t, rec.Timestamp)
		assert.Equal(t, int64(123456789), *rec.Timestamp)
		assert.Equal(t, "TIMESTAMP", rec.Kind.String())
	})

	t.Run("short timestamp", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeEventRecord(json.RawMessage(`{"type":0}`), []byte{1, 2})
		require.ErrorIs(t, err, ErrProtocolDecode)
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeEventRecord(json.RawMessage(`{"type":9}`), nil)
		require.ErrorIs(t, err, ErrProtocolDecode)
		_, err = DecodeEventRecord(json.RawMessage(`{}`), nil)
		require.ErrorIs(t, err, ErrProtocolDecode)
	})

	assert.Equal(t, "EVENT(12)", EventKind(12).String())
}

func TestDecodeSpikeRecord(t *testing.T) {
	t.Parallel()

	rec, err := DecodeSpikeRecord(json.RawMessage(`{"electrode":3,"num_channels":1,"num_samples":40,"threshold":[-50.5]}`), []byte{1})
	require.NoError(t, err)
	assert.Equal(t, "3", rec.Electrode)
	assert.Equal(t, []float64{-50.5}, rec.Threshold)
	assert.Equal(t, []byte{1}, rec.Data)

	rec, err = DecodeSpikeRecord(json.RawMessage(`{"electrode":"Stereotrode 2"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "Stereotrode 2", rec.Electrode)

	_, err = DecodeSpikeRecord(nil, nil)
	require.ErrorIs(t, err, ErrProtocolDecode)
	_, err = DecodeSpikeRecord(json.RawMessage(`[`), nil)
	require.ErrorIs(t, err, ErrProtocolDecode)
}
