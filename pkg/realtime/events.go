package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a server event by what the session does with it.
type Kind int

const (
	KindIgnored Kind = iota
	KindResponseStarted
	KindTextDelta
	KindTextDone
	KindAudioDelta
	KindResponseDone
	KindUserTranscript
	KindSpeechStarted
	KindError
)

var kindNames = map[Kind]string{
	KindIgnored:         "ignored",
	KindResponseStarted: "response_started",
	KindTextDelta:       "text_delta",
	KindTextDone:        "text_done",
	KindAudioDelta:      "audio_delta",
	KindResponseDone:    "response_done",
	KindUserTranscript:  "user_transcript",
	KindSpeechStarted:   "speech_started",
	KindError:           "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrMalformedEvent is returned for frames that are not JSON objects.
var ErrMalformedEvent = errors.New("realtime: malformed event")

// eventKinds maps wire types to kinds. Both the beta and GA names are listed.
var eventKinds = map[string]Kind{
	"response.created": KindResponseStarted,

	"response.audio_transcript.delta":        KindTextDelta,
	"response.output_audio_transcript.delta": KindTextDelta,
	"response.text.delta":                    KindTextDelta,
	"response.output_text.delta":             KindTextDelta,

	"response.audio_transcript.done":        KindTextDone,
	"response.output_audio_transcript.done": KindTextDone,
	"response.text.done":                    KindTextDone,
	"response.output_text.done":             KindTextDone,

	"response.audio.delta":        KindAudioDelta,
	"response.output_audio.delta": KindAudioDelta,

	"response.done":      KindResponseDone,
	"response.completed": KindResponseDone,
	"response.cancelled": KindResponseDone,

	"conversation.item.input_audio_transcription.completed": KindUserTranscript,

	"input_audio_buffer.speech_started": KindSpeechStarted,

	"error": KindError,
}

// Event is a decoded server event.
type Event struct {
	Kind Kind
	Type string // wire type

	ResponseID string
	Delta      string // text or base64 audio for delta kinds
	Text       string // final text for done and transcript kinds
	Status     string // response status for KindResponseDone
	Err        *APIError
}

type wireEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ResponseID string          `json:"response_id"`
	Delta      string          `json:"delta"`
	Text       string          `json:"text"`
	Transcript string          `json:"transcript"`
	Response   json.RawMessage `json:"response"`
	Error      *wireError      `json:"error"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// DecodeEvent parses one server frame. Unknown types decode to KindIgnored.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	evt := Event{Kind: eventKinds[w.Type], Type: w.Type, ResponseID: w.ResponseID}

	switch evt.Kind {
	case KindResponseStarted, KindResponseDone:
		var r wireResponse
		if len(w.Response) > 0 && json.Unmarshal(w.Response, &r) == nil {
			if evt.ResponseID == "" {
				evt.ResponseID = r.ID
			}
			evt.Status = r.Status
		}
		if evt.Kind == KindResponseDone && evt.Status == "" && w.Type == "response.cancelled" {
			evt.Status = "cancelled"
		}

	case KindTextDelta, KindAudioDelta:
		evt.Delta = w.Delta

	case KindTextDone, KindUserTranscript:
		evt.Text = firstNonEmpty(w.Transcript, w.Text)

	case KindError:
		evt.Err = &APIError{EventID: w.EventID}
		if w.Error != nil {
			evt.Err.Type = w.Error.Type
			evt.Err.Code = w.Error.Code
			evt.Err.Message = w.Error.Message
			if w.Error.EventID != "" {
				evt.Err.EventID = w.Error.EventID
			}
		}
	}

	return evt, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
