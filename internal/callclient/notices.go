package callclient

import (
	"fmt"

	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/signaling"
)

// NoticeKind identifies a user-visible call outcome
type NoticeKind string

const (
	NoticeNoAnswer          NoticeKind = "no_answer"
	NoticeMissed            NoticeKind = "missed"
	NoticeBusy              NoticeKind = "busy"
	NoticeDeclined          NoticeKind = "declined"
	NoticeEnded             NoticeKind = "ended"
	NoticeDropped           NoticeKind = "dropped"
	NoticeMediaUnavailable  NoticeKind = "media_unavailable"
	NoticeUnavailable       NoticeKind = "unavailable"
	// NoticeAnsweredElsewhere dismisses a ring another device of the same user answered
	NoticeAnsweredElsewhere NoticeKind = "answered_elsewhere"
)

// Notice is a short human readable message shown when a call ends or fails
type Notice struct {
	Kind           NoticeKind
	Text           string
	ConversationID string
}

func noticeText(kind NoticeKind, maxRings int) string {
	switch kind {
	case NoticeNoAnswer:
		return fmt.Sprintf("No answer after %d rings", maxRings)
	case NoticeMissed:
		return "Missed call"
	case NoticeBusy:
		return "User is busy"
	case NoticeDeclined:
		return "Call declined"
	case NoticeDropped:
		return "Call dropped due to connection issues"
	case NoticeMediaUnavailable:
		return "Camera or microphone unavailable"
	case NoticeUnavailable:
		return "Call unavailable"
	case NoticeAnsweredElsewhere:
		return "Answered on another device"
	default:
		return "Call ended"
	}
}

// remoteNotice maps a terminal signal from the other participant to a notice.
// state is the local state when the signal arrived.
func remoteNotice(kind signaling.Kind, reason signaling.Reason, state State) NoticeKind {
	if kind == signaling.KindReject {
		switch reason {
		case signaling.ReasonBusy:
			return NoticeBusy
		case signaling.ReasonMissed:
			return NoticeNoAnswer
		case signaling.ReasonNoMedia, signaling.ReasonUnavailable:
			return NoticeUnavailable
		default:
			return NoticeDeclined
		}
	}

	switch reason {
	case signaling.ReasonNetworkDrop:
		return NoticeDropped
	case signaling.ReasonNoAnswer:
		return NoticeMissed
	}
	if state == StateIncomingRinging {
		return NoticeMissed
	}
	return NoticeEnded
}

// relayNotice maps a rejected offer to a notice
func relayNotice(code string) NoticeKind {
	if code == string(apperrors.ErrCodeBusy) {
		return NoticeBusy
	}
	return NoticeUnavailable
}
