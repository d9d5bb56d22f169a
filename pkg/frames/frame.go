package frames

import (
	"sync"
	"time"
)

// Kind identifies one variant of the closed frame set flowing through the
// pipeline. Every stage switches exhaustively on it.
type Kind string

const (
	KindAudioChunk        Kind = "audio_chunk"
	KindTranscriptPartial Kind = "transcript_partial"
	KindTranscriptFinal   Kind = "transcript_final"
	KindTextToken         Kind = "text_token"
	KindTextFinal         Kind = "text_final"
	KindSpeechChunk       Kind = "speech_chunk"
	KindSpeechFinal       Kind = "speech_final"
	KindInterrupt         Kind = "interrupt"
	KindTurnAborted       Kind = "turn_aborted"
	KindEndOfStream       Kind = "end_of_stream"
)

// StageName tags which stage produced a terminal TurnAborted frame.
type StageName string

const (
	StageGeneration StageName = "generation"
	StageSynthesis  StageName = "synthesis"
)

// Frame is a single immutable unit of data or control. Ownership transfers
// downstream on emission; a frame has exactly one consumer.
type Frame interface {
	Kind() Kind
	PTS() int64
}

// NowPTS returns a presentation timestamp for a frame created now.
func NowPTS() int64 { return time.Now().UnixNano() }

// AudioChunk carries raw inbound audio from the transport.
type AudioChunk struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	pooled bool
}

func NewAudioChunk(pts int64, data []byte, rate, ch int) AudioChunk {
	return AudioChunk{pts: pts, data: data, rate: rate, ch: ch}
}

// NewAudioChunkFromPool copies data into a pooled buffer. Callers that know a
// chunk's lifetime ends at the consumer should release it with ReleaseAudio.
func NewAudioChunkFromPool(pts int64, data []byte, rate, ch int) AudioChunk {
	buf := acquireBuf(len(data))
	copy(buf, data)
	return AudioChunk{pts: pts, data: buf, rate: rate, ch: ch, pooled: true}
}

func (a AudioChunk) Kind() Kind      { return KindAudioChunk }
func (a AudioChunk) PTS() int64      { return a.pts }
func (a AudioChunk) Payload() []byte { return a.data }
func (a AudioChunk) Rate() int       { return a.rate }
func (a AudioChunk) Channels() int   { return a.ch }

// TranscriptPartial is a non-authoritative interim transcript for UI feedback.
type TranscriptPartial struct {
	pts  int64
	text string
}

func NewTranscriptPartial(pts int64, text string) TranscriptPartial {
	return TranscriptPartial{pts: pts, text: text}
}

func (t TranscriptPartial) Kind() Kind   { return KindTranscriptPartial }
func (t TranscriptPartial) PTS() int64   { return t.pts }
func (t TranscriptPartial) Text() string { return t.text }

// TranscriptFinal closes a user utterance and opens the assistant's turn.
type TranscriptFinal struct {
	pts  int64
	text string
}

func NewTranscriptFinal(pts int64, text string) TranscriptFinal {
	return TranscriptFinal{pts: pts, text: text}
}

func (t TranscriptFinal) Kind() Kind   { return KindTranscriptFinal }
func (t TranscriptFinal) PTS() int64   { return t.pts }
func (t TranscriptFinal) Text() string { return t.text }

// TextToken is one streamed increment of generated assistant text.
type TextToken struct {
	pts    int64
	turnID string
	text   string
}

func NewTextToken(pts int64, turnID, text string) TextToken {
	return TextToken{pts: pts, turnID: turnID, text: text}
}

func (t TextToken) Kind() Kind     { return KindTextToken }
func (t TextToken) PTS() int64     { return t.pts }
func (t TextToken) TurnID() string { return t.turnID }
func (t TextToken) Text() string   { return t.text }

// TextFinal carries the full accumulated assistant text for a completed
// generation. A cancelled generation never emits one.
type TextFinal struct {
	pts    int64
	turnID string
	text   string
}

func NewTextFinal(pts int64, turnID, text string) TextFinal {
	return TextFinal{pts: pts, turnID: turnID, text: text}
}

func (t TextFinal) Kind() Kind     { return KindTextFinal }
func (t TextFinal) PTS() int64     { return t.pts }
func (t TextFinal) TurnID() string { return t.turnID }
func (t TextFinal) Text() string   { return t.text }

// SpeechChunk carries synthesized audio for playback.
type SpeechChunk struct {
	pts    int64
	turnID string
	data   []byte
	pooled bool
}

func NewSpeechChunk(pts int64, turnID string, data []byte) SpeechChunk {
	return SpeechChunk{pts: pts, turnID: turnID, data: data}
}

func NewSpeechChunkFromPool(pts int64, turnID string, data []byte) SpeechChunk {
	buf := acquireBuf(len(data))
	copy(buf, data)
	return SpeechChunk{pts: pts, turnID: turnID, data: buf, pooled: true}
}

func (s SpeechChunk) Kind() Kind      { return KindSpeechChunk }
func (s SpeechChunk) PTS() int64      { return s.pts }
func (s SpeechChunk) TurnID() string  { return s.turnID }
func (s SpeechChunk) Payload() []byte { return s.data }

// SpeechFinal marks the natural completion of a turn's synthesized audio.
type SpeechFinal struct {
	pts    int64
	turnID string
}

func NewSpeechFinal(pts int64, turnID string) SpeechFinal {
	return SpeechFinal{pts: pts, turnID: turnID}
}

func (s SpeechFinal) Kind() Kind     { return KindSpeechFinal }
func (s SpeechFinal) PTS() int64     { return s.pts }
func (s SpeechFinal) TurnID() string { return s.turnID }

// Interrupt signals that the user started speaking over an in-flight response.
type Interrupt struct {
	pts int64
}

func NewInterrupt(pts int64) Interrupt { return Interrupt{pts: pts} }

func (i Interrupt) Kind() Kind { return KindInterrupt }
func (i Interrupt) PTS() int64 { return i.pts }

// TurnAborted is the terminal acknowledgement a stage emits after observing
// cancellation or an engine failure. Err is empty for a plain cancellation.
type TurnAborted struct {
	pts    int64
	turnID string
	stage  StageName
	err    string
}

func NewTurnAborted(pts int64, turnID string, stage StageName, err string) TurnAborted {
	return TurnAborted{pts: pts, turnID: turnID, stage: stage, err: err}
}

func (t TurnAborted) Kind() Kind       { return KindTurnAborted }
func (t TurnAborted) PTS() int64       { return t.pts }
func (t TurnAborted) TurnID() string   { return t.turnID }
func (t TurnAborted) Stage() StageName { return t.stage }
func (t TurnAborted) Err() string      { return t.err }

// EndOfStream is the sentinel a closed FrameBus delivers exactly once.
type EndOfStream struct {
	pts int64
}

func NewEndOfStream(pts int64) EndOfStream { return EndOfStream{pts: pts} }

func (e EndOfStream) Kind() Kind { return KindEndOfStream }
func (e EndOfStream) PTS() int64 { return e.pts }

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func acquireBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

// ReleaseAudio returns a pooled payload buffer to the pool. It is a no-op for
// frames whose payload was not pool-allocated and for non-audio frames.
func ReleaseAudio(f Frame) bool {
	switch v := f.(type) {
	case AudioChunk:
		if v.pooled {
			audioBufPool.Put(v.data[:0])
			return true
		}
	case SpeechChunk:
		if v.pooled {
			audioBufPool.Put(v.data[:0])
			return true
		}
	}
	return false
}
