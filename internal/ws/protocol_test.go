package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSyncStep1(t *testing.T) {
	frame := EncodeSyncStep1([]byte("state-vector"))
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, ChannelSync, decoded.Channel)
	assert.Equal(t, SyncStep1, decoded.SyncKind)
	assert.Equal(t, "state-vector", string(decoded.Body))
}

func TestEncodeDecodeUpdate(t *testing.T) {
	frame := EncodeUpdate([]byte("some-update-bytes"))
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, ChannelSync, decoded.Channel)
	assert.Equal(t, SyncUpdate, decoded.SyncKind)
	assert.Equal(t, "some-update-bytes", string(decoded.Body))
}

func TestEncodeDecodeAwareness(t *testing.T) {
	frame := EncodeAwareness([]byte("diff"))
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, ChannelAwareness, decoded.Channel)
	assert.Equal(t, "diff", string(decoded.Body))
}

func TestEncodeDecodeQueryAwarenessAndPing(t *testing.T) {
	qa, err := DecodeFrame(EncodeQueryAwareness())
	require.NoError(t, err)
	assert.Equal(t, ChannelQueryAwareness, qa.Channel)
	assert.Empty(t, qa.Body)

	ping, err := DecodeFrame(EncodePing())
	require.NoError(t, err)
	assert.Equal(t, ChannelPing, ping.Channel)
}

func TestDecodeEmptyFrameErrors(t *testing.T) {
	_, err := DecodeFrame(nil)
	assert.Error(t, err)
}

func TestDecodeUnknownChannelErrors(t *testing.T) {
	_, err := DecodeFrame([]byte{0x42})
	assert.Error(t, err)
}

func TestDecodeMalformedSyncKindErrors(t *testing.T) {
	// Channel byte 0x00 (sync) with no following varuint at all.
	_, err := DecodeFrame([]byte{byte(ChannelSync)})
	assert.Error(t, err)
}
