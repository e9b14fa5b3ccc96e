// Package telephony implements the media-stream side of a call: the JSON envelope
// protocol spoken over the stream websocket, the REST calls that create and end the
// underlying call leg, and the markup that connects a call to the stream.
package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EventType is the `event` discriminator of a stream envelope.
type EventType string

const (
	// Inbound
	TypeConnected EventType = "connected"
	TypeStart     EventType = "start"
	TypeMedia     EventType = "media"
	TypeStop      EventType = "stop"
	TypeMark      EventType = "mark"
	TypeDTMF      EventType = "dtmf"

	// Outbound only
	TypeClear EventType = "clear"
)

// Custom parameter keys set by the call-setup markup.
const (
	ParamOutboundID = "outbound_id"
	ParamName       = "name"
	ParamTo         = "to"
	ParamFrom       = "from"
)

var (
	// ErrMalformed is returned for envelopes that are not valid JSON objects.
	ErrMalformed = errors.New("telephony: malformed message")

	// ErrIgnored is returned for well-formed envelopes the bridge does not act on.
	ErrIgnored = errors.New("telephony: ignored event")
)

// Event is a decoded inbound envelope: Start, Media or Stop.
type Event interface {
	Type() EventType
}

// Start opens a stream and carries the call identity.
type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	CustomParameters map[string]string // nil when the markup sent none
}

func (Start) Type() EventType { return TypeStart }

// Param returns a trimmed custom parameter, or "" when absent.
func (s Start) Param(key string) string {
	if s.CustomParameters == nil {
		return ""
	}
	return strings.TrimSpace(s.CustomParameters[key])
}

func (s Start) OutboundID() string { return s.Param(ParamOutboundID) }
func (s Start) TargetName() string { return s.Param(ParamName) }
func (s Start) To() string         { return s.Param(ParamTo) }
func (s Start) From() string       { return s.Param(ParamFrom) }

// Media carries one base64 audio frame. Payload is empty when the frame had none.
type Media struct {
	Payload string
	Track   string
}

func (Media) Type() EventType { return TypeMedia }

// Stop ends the stream.
type Stop struct {
	StreamSID string
}

func (Stop) Type() EventType { return TypeStop }

type envelope struct {
	Event     EventType       `json:"event"`
	StreamSID string          `json:"streamSid,omitempty"`
	Start     json.RawMessage `json:"start,omitempty"`
	Media     json.RawMessage `json:"media,omitempty"`
}

type startPayload struct {
	StreamSID        string         `json:"streamSid"`
	StreamID         string         `json:"streamId"`
	CallSID          string         `json:"callSid"`
	CallID           string         `json:"callId"`
	AccountSID       string         `json:"accountSid"`
	CustomParameters map[string]any `json:"customParameters"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
	Track   string `json:"track"`
}

// Decode parses one inbound envelope. Malformed input returns ErrMalformed; envelopes
// that are valid but irrelevant (connected, mark, dtmf, unknown tags) return ErrIgnored.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Event {
	case TypeStart:
		var p startPayload
		if len(env.Start) > 0 {
			if err := json.Unmarshal(env.Start, &p); err != nil {
				return nil, fmt.Errorf("%w: start: %v", ErrMalformed, err)
			}
		}
		return Start{
			StreamSID:        firstNonEmpty(p.StreamSID, p.StreamID, env.StreamSID),
			CallSID:          firstNonEmpty(p.CallSID, p.CallID),
			AccountSID:       p.AccountSID,
			CustomParameters: stringParams(p.CustomParameters),
		}, nil

	case TypeMedia:
		var p mediaPayload
		if len(env.Media) > 0 {
			if err := json.Unmarshal(env.Media, &p); err != nil {
				return nil, fmt.Errorf("%w: media: %v", ErrMalformed, err)
			}
		}
		return Media{Payload: p.Payload, Track: p.Track}, nil

	case TypeStop:
		return Stop{StreamSID: env.StreamSID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrIgnored, env.Event)
	}
}

type outbound struct {
	Event     EventType  `json:"event"`
	StreamSID string     `json:"streamSid"`
	Media     *outMedia  `json:"media,omitempty"`
	Mark      *outMarker `json:"mark,omitempty"`
}

type outMedia struct {
	Payload string `json:"payload"`
}

type outMarker struct {
	Name string `json:"name"`
}

// MediaMessage encodes an outbound audio frame. The payload is passed through verbatim.
func MediaMessage(streamSID, payload string) ([]byte, error) {
	return json.Marshal(outbound{Event: TypeMedia, StreamSID: streamSID, Media: &outMedia{Payload: payload}})
}

// ClearMessage asks the far end to drop audio it has buffered but not yet played.
func ClearMessage(streamSID string) ([]byte, error) {
	return json.Marshal(outbound{Event: TypeClear, StreamSID: streamSID})
}

// MarkMessage asks the far end to echo name back once preceding audio has played.
func MarkMessage(streamSID, name string) ([]byte, error) {
	return json.Marshal(outbound{Event: TypeMark, StreamSID: streamSID, Mark: &outMarker{Name: name}})
}

func stringParams(in map[string]any) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// SortedParams returns parameter keys in a stable order.
func SortedParams(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
