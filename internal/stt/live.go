package stt

import (
	"context"
	"errors"
)

// ErrMalformedEvent marks an upstream message that could not be decoded.
// Callers log it and keep reading.
var ErrMalformedEvent = errors.New("stt: malformed live event")

// LiveOptions configures a live session. Audio is 16 kHz mono linear16.
type LiveOptions struct {
	Language   string
	Vocabulary []string
	SampleRate int
	Channels   int
	RequestID  string
}

// LiveEventKind distinguishes live upstream events.
type LiveEventKind int

const (
	LiveTranscript LiveEventKind = iota + 1
	LiveError
)

// LiveEvent is one decoded upstream message.
type LiveEvent struct {
	Kind        LiveEventKind
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Start       float64
	Duration    float64
	Message     string
}

// LiveConn is an open upstream streaming connection. Send and CloseSend
// may be called concurrently with Recv but not with each other.
type LiveConn interface {
	Send(frame []byte) error
	// CloseSend tells the vendor no more audio follows; it flushes pending
	// results and then closes its side.
	CloseSend() error
	// Recv blocks for the next event. It returns io.EOF once the vendor
	// has closed the stream.
	Recv() (LiveEvent, error)
	Close() error
}

// LiveTranscriber opens live sessions.
type LiveTranscriber interface {
	Name() string
	Connect(ctx context.Context, opts LiveOptions) (LiveConn, error)
}
