package realtime

import (
	"errors"
	"testing"
)

func TestDecodeEventKinds(t *testing.T) {
	tests := []struct {
		data string
		want Kind
	}{
		{`{"type":"response.created","response":{"id":"resp_1","status":"in_progress"}}`, KindResponseStarted},
		{`{"type":"response.audio_transcript.delta","delta":"Hi"}`, KindTextDelta},
		{`{"type":"response.output_audio_transcript.delta","delta":"Hi"}`, KindTextDelta},
		{`{"type":"response.text.delta","delta":"Hi"}`, KindTextDelta},
		{`{"type":"response.output_text.delta","delta":"Hi"}`, KindTextDelta},
		{`{"type":"response.audio_transcript.done","transcript":"Hi there"}`, KindTextDone},
		{`{"type":"response.output_text.done","text":"Hi there"}`, KindTextDone},
		{`{"type":"response.audio.delta","delta":"AAAA"}`, KindAudioDelta},
		{`{"type":"response.output_audio.delta","delta":"AAAA"}`, KindAudioDelta},
		{`{"type":"response.done","response":{"status":"completed"}}`, KindResponseDone},
		{`{"type":"response.completed"}`, KindResponseDone},
		{`{"type":"response.cancelled"}`, KindResponseDone},
		{`{"type":"conversation.item.input_audio_transcription.completed","transcript":"yes"}`, KindUserTranscript},
		{`{"type":"input_audio_buffer.speech_started"}`, KindSpeechStarted},
		{`{"type":"error","error":{"message":"bad"}}`, KindError},
		{`{"type":"session.updated"}`, KindIgnored},
		{`{"type":"rate_limits.updated"}`, KindIgnored},
		{`{}`, KindIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			evt, err := DecodeEvent([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeEvent() error = %v", err)
			}
			if evt.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", evt.Kind, tt.want)
			}
		})
	}
}

func TestDecodeEventFields(t *testing.T) {
	evt, _ := DecodeEvent([]byte(`{"type":"response.created","response":{"id":"resp_1"}}`))
	if evt.ResponseID != "resp_1" {
		t.Errorf("ResponseID = %q", evt.ResponseID)
	}

	evt, _ = DecodeEvent([]byte(`{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`))
	if evt.Status != "completed" {
		t.Errorf("Status = %q", evt.Status)
	}

	evt, _ = DecodeEvent([]byte(`{"type":"response.cancelled"}`))
	if evt.Status != "cancelled" {
		t.Errorf("cancelled Status = %q", evt.Status)
	}

	evt, _ = DecodeEvent([]byte(`{"type":"response.audio.delta","delta":"AAEC"}`))
	if evt.Delta != "AAEC" {
		t.Errorf("Delta = %q", evt.Delta)
	}

	evt, _ = DecodeEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"sure"}`))
	if evt.Text != "sure" {
		t.Errorf("Text = %q", evt.Text)
	}

	evt, _ = DecodeEvent([]byte(`{"type":"error","event_id":"ev_1","error":{"type":"invalid_request_error","code":"bad_value","message":"nope"}}`))
	if evt.Err == nil || evt.Err.Code != "bad_value" || evt.Err.Message != "nope" || evt.Err.EventID != "ev_1" {
		t.Errorf("Err = %+v", evt.Err)
	}

	evt, _ = DecodeEvent([]byte(`{"type":"error"}`))
	if evt.Err == nil {
		t.Error("error event without body should still carry an APIError")
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	for _, data := range []string{`nope`, `[]`, `{"type":7}`} {
		if _, err := DecodeEvent([]byte(data)); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("DecodeEvent(%s) error = %v, want ErrMalformedEvent", data, err)
		}
	}
}
