package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(payload string) []byte {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte(payload))
	return buf.Bytes()
}

func TestReadFrameHandlesPartialReads(t *testing.T) {
	data := append(frame(`{"a":1}`), frame(`{"b":2}`)...)
	r := iotest.OneByteReader(bytes.NewReader(data))

	first, err := ReadFrame(r, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(first))

	second, err := ReadFrame(r, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(second))

	_, err = ReadFrame(r, DefaultMaxFrameSize)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameErrors(t *testing.T) {
	tooBig := make([]byte, 4)
	binary.BigEndian.PutUint32(tooBig, 1<<20)

	truncated := frame(`{"type":"REGISTER"}`)
	truncated = truncated[:len(truncated)-3]

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "oversized length", data: tooBig, want: ErrFrameTooLarge},
		{name: "zero length", data: []byte{0, 0, 0, 0}, want: ErrEmptyFrame},
		{name: "truncated payload", data: truncated, want: io.ErrUnexpectedEOF},
		{name: "truncated header", data: []byte{0, 0}, want: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data), 1024)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriteFrameRejectsEmpty(t *testing.T) {
	assert.ErrorIs(t, WriteFrame(io.Discard, nil), ErrEmptyFrame)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantReason string
		want       Message
	}{
		{
			name:    "register",
			payload: `{"type":"REGISTER","hostname":"A1","ip_address":"10.0.0.1"}`,
			want:    Message{Type: KindRegister, Hostname: "a1", IPAddress: "10.0.0.1"},
		},
		{
			name:    "heartbeat without ip",
			payload: `{"type":"HEARTBEAT","hostname":"a1"}`,
			want:    Message{Type: KindHeartbeat, Hostname: "a1"},
		},
		{
			name:    "heartbeat with ipv6",
			payload: `{"type":"HEARTBEAT","hostname":"a1","ip_address":"2001:DB8::5"}`,
			want:    Message{Type: KindHeartbeat, Hostname: "a1", IPAddress: "2001:db8::5"},
		},
		{name: "not json", payload: `REGISTER a1`, wantReason: ReasonMalformed},
		{name: "trailing data", payload: `{"type":"HEARTBEAT","hostname":"a1"} {}`, wantReason: ReasonMalformed},
		{name: "unknown type", payload: `{"type":"DEREGISTER","hostname":"a1"}`, wantReason: ReasonUnknownType},
		{name: "lowercase type", payload: `{"type":"register","hostname":"a1","ip_address":"10.0.0.1"}`, wantReason: ReasonUnknownType},
		{name: "bad hostname", payload: `{"type":"HEARTBEAT","hostname":"a b"}`, wantReason: ReasonInvalidHostname},
		{name: "bad ip", payload: `{"type":"REGISTER","hostname":"a1","ip_address":"999.1.1.1"}`, wantReason: ReasonInvalidIP},
		{name: "register without ip", payload: `{"type":"REGISTER","hostname":"a1"}`, wantReason: ReasonMissingIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.payload))
			if tt.wantReason != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantReason, ReasonOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *msg)
		})
	}
}

func TestDecodeMessageKeepsSeq(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"HEARTBEAT","hostname":"a1","seq":42}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Seq)
	assert.Equal(t, uint64(42), *msg.Seq)
}

func TestAckString(t *testing.T) {
	assert.Equal(t, "heartbeat_only", Ack{Result: ResultHeartbeatOnly}.String())
	assert.Equal(t, "error:invalid_ip", Ack{Result: ResultError, Reason: ReasonInvalidIP}.String())
}

func TestAckRoundTrip(t *testing.T) {
	seq := uint64(7)
	data, err := EncodeAck(Ack{Result: ResultIPChange, Hostname: "a1", Seq: &seq})
	require.NoError(t, err)

	ack, err := DecodeAck(data)
	require.NoError(t, err)
	assert.Equal(t, ResultIPChange, ack.Result)
	require.NotNil(t, ack.Seq)
	assert.Equal(t, uint64(7), *ack.Seq)

	_, err = DecodeAck([]byte(`{"result":"maybe"}`))
	assert.Error(t, err)
}

func TestReasonOfFrameErrors(t *testing.T) {
	assert.Equal(t, ReasonFrameTooLarge, ReasonOf(ErrFrameTooLarge))
	assert.Equal(t, ReasonEmptyFrame, ReasonOf(ErrEmptyFrame))
	assert.Equal(t, ReasonMalformed, ReasonOf(errors.New("other")))
}
