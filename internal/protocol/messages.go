// Package protocol defines the relay's wire messages.
//
// Every frame is a JSON object with a "type" discriminator. Unknown
// discriminators fail closed and are answered with an error frame; a frame
// that does not parse as a known message at all is recovered as an implicit
// utterance carrying the raw payload (see DecodeFrame).
//
// Note for integrators: inbound utterances are read from the documented
// "language" field only. Clients that populate "originalLanguage" /
// "targetLanguage" on the way in (the reference client does) will have those
// fields ignored rather than silently renamed.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/babelroom/relay/internal/domain"
)

const (
	TypeJoin          = "join"
	TypeJoined        = "joined"
	TypeUtterance     = "utterance"
	TypeTranscription = "transcription"
	TypeError         = "error"
)

// Defaults used when recovering a raw frame from a connection that never
// joined. They mirror the original deployment's literals.
const (
	DefaultSpeakerID = "unknown"
	DefaultRoomID    = "default-room"
	DefaultLanguage  = "pt-BR"
)

var ErrUnknownType = errors.New("unknown message type")

// Join registers the sender's connection in a room.
type Join struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

// Joined acknowledges a join. Sent to the joining connection only.
type Joined struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	RoomID   string `json:"roomId"`
}

// Utterance asks the relay to fan text out to a room. Self-describing: the
// sender's session is not consulted for any of its fields.
type Utterance struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utteranceId,omitempty"`
	SpeakerID   string `json:"speakerId"`
	RoomID      string `json:"roomId"`
	Language    string `json:"language"`
	Text        string `json:"text"`
}

// Transcription is the per-recipient delivery of one utterance. When the
// inbound utterance carried no id the field is omitted outbound (the
// reference relay emitted an explicit null there; consumers should treat
// absent and null alike).
type Transcription struct {
	Type             string `json:"type"`
	UtteranceID      string `json:"utteranceId,omitempty"`
	SpeakerID        string `json:"speakerId"`
	RoomID           string `json:"roomId"`
	OriginalLanguage string `json:"originalLanguage"`
	TargetLanguage   string `json:"targetLanguage"`
	Text             string `json:"text"`
}

// ErrorMessage reports a validation failure to the offending sender.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DecodeFrame parses one inbound frame into *Join or *Utterance.
//
// A JSON object with an unrecognized or missing "type" returns
// ErrUnknownType; the caller answers with an error frame and keeps the
// connection open. A frame that is not a JSON object at all is recovered as
// an implicit utterance: speaker, room and language come from the sender's
// session when one exists, else from the package defaults; the text is the
// raw payload. The recovery path never fails.
func DecodeFrame(data []byte, sess *domain.Session) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return RecoverUtterance(data, sess), nil
	}

	switch env.Type {
	case TypeJoin:
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return RecoverUtterance(data, sess), nil
		}
		return &m, nil
	case TypeUtterance:
		var m Utterance
		if err := json.Unmarshal(data, &m); err != nil {
			return RecoverUtterance(data, sess), nil
		}
		return &m, nil
	default:
		return nil, ErrUnknownType
	}
}

// Domain converts the wire utterance to its domain form.
func (u *Utterance) Domain() domain.Utterance {
	return domain.Utterance{
		UtteranceID: u.UtteranceID,
		SpeakerID:   u.SpeakerID,
		RoomID:      domain.RoomID(u.RoomID),
		Language:    u.Language,
		Text:        u.Text,
	}
}

// TranscriptionFrame builds the wire form of one per-recipient delivery.
func TranscriptionFrame(t domain.Transcription) Transcription {
	return Transcription{
		Type:             TypeTranscription,
		UtteranceID:      t.UtteranceID,
		SpeakerID:        t.SpeakerID,
		RoomID:           string(t.RoomID),
		OriginalLanguage: t.OriginalLanguage,
		TargetLanguage:   t.TargetLanguage,
		Text:             t.Text,
	}
}

// RecoverUtterance synthesizes an utterance from a raw payload.
func RecoverUtterance(raw []byte, sess *domain.Session) *Utterance {
	u := &Utterance{
		Type:        TypeUtterance,
		UtteranceID: "msg-" + uuid.NewString(),
		SpeakerID:   DefaultSpeakerID,
		RoomID:      DefaultRoomID,
		Language:    DefaultLanguage,
		Text:        string(raw),
	}
	if sess != nil {
		u.SpeakerID = sess.ClientID
		u.RoomID = string(sess.RoomID)
		u.Language = sess.Language
	}
	return u
}
