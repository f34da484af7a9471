package proto

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeToRadioTextPacket(t *testing.T) {
	b, err := EncodeToRadio(&ToRadio{Packet: TextPacket(42, 2, "hello mesh")})
	require.NoError(t, err)

	tr, err := DecodeToRadio(b)
	require.NoError(t, err)
	require.NotNil(t, tr.Packet)
	assert.Equal(t, uint32(42), tr.Packet.ID)
	assert.Equal(t, BroadcastAddr, tr.Packet.To)
	assert.Equal(t, uint32(2), tr.Packet.Channel)
	assert.Equal(t, PortTextMessage, tr.Packet.PortNum)
	assert.Equal(t, "hello mesh", string(tr.Packet.Payload))
	assert.True(t, tr.Packet.WantAck)
	assert.Equal(t, uint32(DefaultHopLimit), tr.Packet.HopLimit)
}

func TestEncodeToRadioWantConfig(t *testing.T) {
	b, err := EncodeToRadio(&ToRadio{WantConfigID: 7})
	require.NoError(t, err)

	tr, err := DecodeToRadio(b)
	require.NoError(t, err)
	assert.Nil(t, tr.Packet)
	assert.Equal(t, uint32(7), tr.WantConfigID)
}

func TestEncodeToRadioRejectsEmptyAndOversized(t *testing.T) {
	_, err := EncodeToRadio(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = EncodeToRadio(&ToRadio{})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = EncodeToRadio(&ToRadio{Packet: TextPacket(1, 0, strings.Repeat("x", MaxPayload+1))})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFromRadioRoundTrip(t *testing.T) {
	in := &FromRadio{
		ID: 9,
		Packet: &MeshPacket{
			ID: 5, From: 0xdeadbeef, To: BroadcastAddr, Channel: 1,
			PortNum: PortTextMessage, Payload: []byte("ping"),
		},
	}
	b, err := EncodeFromRadio(in)
	require.NoError(t, err)

	out, err := DecodeFromRadio(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), out.ID)
	require.NotNil(t, out.Packet)
	assert.Equal(t, uint32(0xdeadbeef), out.Packet.From)
	assert.Equal(t, uint32(1), out.Packet.Channel)
	assert.Equal(t, "ping", string(out.Packet.Payload))
}

func TestDecodeChannelAndConfigComplete(t *testing.T) {
	b, err := EncodeFromRadio(&FromRadio{Channel: &Channel{Index: 1, Name: "Admin", Role: RoleSecondary}})
	require.NoError(t, err)
	fr, err := DecodeFromRadio(b)
	require.NoError(t, err)
	require.NotNil(t, fr.Channel)
	assert.Equal(t, int32(1), fr.Channel.Index)
	assert.Equal(t, "Admin", fr.Channel.Name)
	assert.Equal(t, RoleSecondary, fr.Channel.Role)

	b, err = EncodeFromRadio(&FromRadio{ConfigCompleteID: 77})
	require.NoError(t, err)
	fr, err = DecodeFromRadio(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), fr.ConfigCompleteID)
}

func TestDecodeNodeInfoAndMyInfo(t *testing.T) {
	b, err := EncodeFromRadio(&FromRadio{
		NodeInfo: &NodeInfo{Num: 0x1234abcd, UserID: "!1234abcd", LongName: "Ridge Relay", ShortName: "RR"},
	})
	require.NoError(t, err)
	fr, err := DecodeFromRadio(b)
	require.NoError(t, err)
	assert.Equal(t, &NodeInfo{Num: 0x1234abcd, UserID: "!1234abcd", LongName: "Ridge Relay", ShortName: "RR"}, fr.NodeInfo)

	b, err = EncodeFromRadio(&FromRadio{MyInfo: &MyNodeInfo{MyNodeNum: 99}})
	require.NoError(t, err)
	fr, err = DecodeFromRadio(b)
	require.NoError(t, err)
	require.NotNil(t, fr.MyInfo)
	assert.Equal(t, uint32(99), fr.MyInfo.MyNodeNum)
}

func TestDecodeFromRadioMalformed(t *testing.T) {
	// Tag for field 2 (bytes) claiming 10 bytes with only 2 present.
	_, err := DecodeFromRadio([]byte{0x12, 0x0a, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFrameReaderSkipsConsoleNoise(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("INFO | boot ok\r\n")
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	buf.Write([]byte{start1, 'x'})
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	fr := NewFrameReader(&buf)
	p, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", string(p))

	p, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "second", string(p))

	_, err = fr.Next()
	assert.True(t, errors.Is(err, io.EOF))
	assert.Greater(t, fr.Skipped, 0)
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameLength+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestMessageTypeLabel(t *testing.T) {
	assert.Equal(t, "TEXT_MESSAGE_APP", MessageTypeLabel(PortTextMessage))
	assert.Equal(t, "UNKNOWN(99)", MessageTypeLabel(99))
}
