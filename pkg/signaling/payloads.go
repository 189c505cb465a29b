package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"

	"callrelay-backend/pkg/constants"
)

// ErrInvalidPayload is wrapped by every validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Payload is implemented by every request payload.
type Payload interface {
	Conversation() string
	check() error
}

// OfferPayload starts a call. CallerName is filled in by the relay.
type OfferPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	Mode           Mode   `json:"mode" validate:"required,oneof=voice video"`
	SDPOffer       string `json:"sdpOffer" validate:"required"`
	Mic            bool   `json:"mic"`
	Camera         bool   `json:"camera"`
	CallerName     string `json:"callerName,omitempty"`
}

// AnswerPayload accepts a call.
type AnswerPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	SDPAnswer      string `json:"sdpAnswer" validate:"required"`
	Mic            bool   `json:"mic"`
	Camera         bool   `json:"camera"`
}

// CandidateInit mirrors the browser RTCIceCandidateInit dictionary.
// An empty Candidate signals end of candidates.
type CandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICECandidatePayload carries one trickled candidate.
type ICECandidatePayload struct {
	ConversationID string        `json:"conversationId" validate:"required,uuid"`
	Candidate      CandidateInit `json:"candidate"`
}

// SDPPayload carries an ICE restart or renegotiation description.
type SDPPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	SDP            string `json:"sdp" validate:"required"`
}

// MediaStatePayload announces the sender's track flags.
type MediaStatePayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	Mic            bool   `json:"mic"`
	Camera         bool   `json:"camera"`
	ScreenSharing  bool   `json:"screenSharing"`
}

// AnnotationType selects between drawing a segment and clearing the overlay.
type AnnotationType string

const (
	AnnotationSegment AnnotationType = "segment"
	AnnotationClear   AnnotationType = "clear"
)

// AnnotationPayload is one freehand stroke segment in normalized coordinates.
type AnnotationPayload struct {
	ConversationID string         `json:"conversationId" validate:"required,uuid"`
	Type           AnnotationType `json:"type" validate:"required,oneof=segment clear"`
	FromX          float64        `json:"fromX" validate:"gte=0,lte=1"`
	FromY          float64        `json:"fromY" validate:"gte=0,lte=1"`
	ToX            float64        `json:"toX" validate:"gte=0,lte=1"`
	ToY            float64        `json:"toY" validate:"gte=0,lte=1"`
	Color          string         `json:"color,omitempty"`
	Width          float64        `json:"width,omitempty"`
}

// SidechatPayload is an in-call chat line.
type SidechatPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	Text           string `json:"text" validate:"required"`
}

// TerminalPayload ends or rejects a call.
type TerminalPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	Reason         Reason `json:"reason" validate:"required"`
}

// HeartbeatPayload refreshes the liveness of the sender's call.
type HeartbeatPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

// AnsweredElsewherePayload names the call another device of the callee answered.
type AnsweredElsewherePayload struct {
	ConversationID string `json:"conversationId"`
}

// SidechatMessage is a stored call-chat entry as seen by clients.
type SidechatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	From           string    `json:"from"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sentAt"`
}

func (p *OfferPayload) Conversation() string        { return p.ConversationID }
func (p *AnswerPayload) Conversation() string       { return p.ConversationID }
func (p *ICECandidatePayload) Conversation() string { return p.ConversationID }
func (p *SDPPayload) Conversation() string          { return p.ConversationID }
func (p *MediaStatePayload) Conversation() string   { return p.ConversationID }
func (p *AnnotationPayload) Conversation() string   { return p.ConversationID }
func (p *SidechatPayload) Conversation() string     { return p.ConversationID }
func (p *TerminalPayload) Conversation() string     { return p.ConversationID }
func (p *HeartbeatPayload) Conversation() string    { return p.ConversationID }

func (p *OfferPayload) check() error  { return checkSDP("sdpOffer", p.SDPOffer) }
func (p *AnswerPayload) check() error { return checkSDP("sdpAnswer", p.SDPAnswer) }
func (p *SDPPayload) check() error    { return checkSDP("sdp", p.SDP) }

func (p *ICECandidatePayload) check() error {
	return CheckCandidate(p.Candidate.Candidate)
}

func (p *MediaStatePayload) check() error { return nil }

func (p *AnnotationPayload) check() error {
	if p.Type != AnnotationSegment {
		return nil
	}
	if err := validate.Var(p.Color, "required,hexcolor"); err != nil {
		return invalid("color must be a hex color")
	}
	if p.Width <= 0 || p.Width > constants.MaxStrokeWidth {
		return invalid(fmt.Sprintf("width must be in (0, %d]", constants.MaxStrokeWidth))
	}
	return nil
}

func (p *SidechatPayload) check() error {
	if strings.TrimSpace(p.Text) == "" {
		return invalid("text must not be blank")
	}
	if utf8.RuneCountInString(p.Text) > constants.MaxSidechatLength {
		return invalid(fmt.Sprintf("text exceeds %d characters", constants.MaxSidechatLength))
	}
	return nil
}

func (p *TerminalPayload) check() error {
	if !p.Reason.Valid() {
		return invalid(fmt.Sprintf("unknown reason %q", p.Reason))
	}
	return nil
}

func (p *HeartbeatPayload) check() error { return nil }

// NewPayload returns an empty payload value for kind, or an error for unknown kinds.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindOffer:
		return &OfferPayload{}, nil
	case KindAnswer:
		return &AnswerPayload{}, nil
	case KindICECandidate:
		return &ICECandidatePayload{}, nil
	case KindReconnectOffer, KindReconnectAnswer, KindRenegotiateOffer, KindRenegotiateAnswer:
		return &SDPPayload{}, nil
	case KindMediaState:
		return &MediaStatePayload{}, nil
	case KindAnnotation:
		return &AnnotationPayload{}, nil
	case KindSidechatMessage:
		return &SidechatPayload{}, nil
	case KindEnd, KindReject:
		return &TerminalPayload{}, nil
	case KindHeartbeat:
		return &HeartbeatPayload{}, nil
	}
	return nil, invalid(fmt.Sprintf("unknown message type %q", kind))
}

// Decode unmarshals and validates the payload of a request.
func Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, invalid("missing payload")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, invalid("malformed JSON: " + err.Error())
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate runs struct tag rules and the semantic checks of p.
func Validate(p Payload) error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return invalid(fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return invalid(err.Error())
	}
	return p.check()
}

// CheckCandidate validates a trickled candidate line. The empty string is
// the end-of-candidates marker and is accepted.
func CheckCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > constants.MaxCandidateSize {
		return invalid("candidate too large")
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(candidate, "candidate:")); err != nil {
		return invalid("malformed candidate: " + err.Error())
	}
	return nil
}

func checkSDP(field, value string) error {
	if len(value) > constants.MaxSDPSize {
		return invalid(field + " too large")
	}
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(value); err != nil {
		return invalid(fmt.Sprintf("%s is not a session description: %v", field, err))
	}
	if len(desc.MediaDescriptions) == 0 {
		return invalid(field + " has no media sections")
	}
	return nil
}

func invalid(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, detail)
}
