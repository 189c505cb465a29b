package signaling

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"

const testCandidate = "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host"

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecode_ValidPayloads(t *testing.T) {
	conv := uuid.NewString()

	tests := []struct {
		name    string
		kind    Kind
		payload any
	}{
		{"offer", KindOffer, OfferPayload{ConversationID: conv, Mode: ModeVideo, SDPOffer: testSDP, Mic: true, Camera: true}},
		{"answer", KindAnswer, AnswerPayload{ConversationID: conv, SDPAnswer: testSDP}},
		{"candidate", KindICECandidate, ICECandidatePayload{ConversationID: conv, Candidate: CandidateInit{Candidate: testCandidate}}},
		{"end of candidates", KindICECandidate, ICECandidatePayload{ConversationID: conv}},
		{"reconnect offer", KindReconnectOffer, SDPPayload{ConversationID: conv, SDP: testSDP}},
		{"renegotiate answer", KindRenegotiateAnswer, SDPPayload{ConversationID: conv, SDP: testSDP}},
		{"media state", KindMediaState, MediaStatePayload{ConversationID: conv, ScreenSharing: true}},
		{"segment", KindAnnotation, AnnotationPayload{ConversationID: conv, Type: AnnotationSegment, FromX: 0, FromY: 0.5, ToX: 1, ToY: 1, Color: "#ff0044", Width: 4}},
		{"clear", KindAnnotation, AnnotationPayload{ConversationID: conv, Type: AnnotationClear}},
		{"sidechat", KindSidechatMessage, SidechatPayload{ConversationID: conv, Text: strings.Repeat("é", 500)}},
		{"end", KindEnd, TerminalPayload{ConversationID: conv, Reason: ReasonNetworkDrop}},
		{"reject", KindReject, TerminalPayload{ConversationID: conv, Reason: ReasonBusy}},
		{"heartbeat", KindHeartbeat, HeartbeatPayload{ConversationID: conv}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.kind, raw(t, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, conv, p.Conversation())
		})
	}
}

func TestDecode_InvalidPayloads(t *testing.T) {
	conv := uuid.NewString()

	tests := []struct {
		name    string
		kind    Kind
		payload any
	}{
		{"unknown kind", Kind("dial"), HeartbeatPayload{ConversationID: conv}},
		{"missing conversation", KindHeartbeat, HeartbeatPayload{}},
		{"conversation not a uuid", KindHeartbeat, HeartbeatPayload{ConversationID: "room-1"}},
		{"unknown mode", KindOffer, OfferPayload{ConversationID: conv, Mode: "hologram", SDPOffer: testSDP}},
		{"garbage sdp", KindOffer, OfferPayload{ConversationID: conv, Mode: ModeVoice, SDPOffer: "hello"}},
		{"sdp without media", KindAnswer, AnswerPayload{ConversationID: conv, SDPAnswer: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}},
		{"oversized sdp", KindReconnectOffer, SDPPayload{ConversationID: conv, SDP: testSDP + strings.Repeat("a=x\r\n", 20000)}},
		{"garbage candidate", KindICECandidate, ICECandidatePayload{ConversationID: conv, Candidate: CandidateInit{Candidate: "candidate:nonsense"}}},
		{"coordinate above one", KindAnnotation, AnnotationPayload{ConversationID: conv, Type: AnnotationSegment, ToX: 1.2, Color: "#fff", Width: 2}},
		{"negative coordinate", KindAnnotation, AnnotationPayload{ConversationID: conv, Type: AnnotationSegment, FromY: -0.1, Color: "#fff", Width: 2}},
		{"segment without color", KindAnnotation, AnnotationPayload{ConversationID: conv, Type: AnnotationSegment, Width: 2}},
		{"segment too wide", KindAnnotation, AnnotationPayload{ConversationID: conv, Type: AnnotationSegment, Color: "#000000", Width: 40}},
		{"unknown annotation type", KindAnnotation, AnnotationPayload{ConversationID: conv, Type: "erase"}},
		{"blank sidechat", KindSidechatMessage, SidechatPayload{ConversationID: conv, Text: "   "}},
		{"long sidechat", KindSidechatMessage, SidechatPayload{ConversationID: conv, Text: strings.Repeat("x", 501)}},
		{"unknown reason", KindEnd, TerminalPayload{ConversationID: conv, Reason: "bored"}},
		{"missing reason", KindReject, TerminalPayload{ConversationID: conv}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, raw(t, tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode(KindOffer, json.RawMessage(`{"conversationId":`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Decode(KindOffer, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestReasonValid(t *testing.T) {
	for _, r := range []Reason{ReasonEnded, ReasonNoAnswer, ReasonMissed, ReasonBusy,
		ReasonNoMedia, ReasonUnavailable, ReasonDeclined, ReasonNetworkDrop} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, Reason("").Valid())
	assert.False(t, Reason("timeout").Valid())
}

func TestFrameRoundTrip(t *testing.T) {
	conv := uuid.NewString()
	ev, err := NewEvent(KindEnd, conv, "u1", TerminalPayload{ConversationID: conv, Reason: ReasonEnded}, time.Now())
	require.NoError(t, err)

	b, err := json.Marshal(Frame{Event: ev})
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.NotNil(t, decoded.Event)
	assert.Nil(t, decoded.Ack)

	p, err := Decode(decoded.Event.Type, decoded.Event.Payload)
	require.NoError(t, err)
	assert.Equal(t, ReasonEnded, p.(*TerminalPayload).Reason)
}
