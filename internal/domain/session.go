// Package domain contains entity without logic, just meta-data
package domain

type RoomID string

// Session is the metadata the relay keeps for one live connection.
// Created or replaced whole on join, removed on disconnect; there is never
// more than one Session per connection.
type Session struct {
	ClientID string
	RoomID   RoomID
	Language string
}

// Utterance is an inbound request to broadcast text to a room. Transient:
// it exists only for the duration of one dispatch.
type Utterance struct {
	UtteranceID string
	SpeakerID   string
	RoomID      RoomID
	Language    string
	Text        string
}

// Transcription is the per-recipient outbound form of an utterance, carrying
// text in the recipient's language (translated or identical). Never persisted.
type Transcription struct {
	UtteranceID      string
	SpeakerID        string
	RoomID           RoomID
	OriginalLanguage string
	TargetLanguage   string
	Text             string
}
