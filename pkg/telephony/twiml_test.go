package telephony

import (
	"strings"
	"testing"
)

func TestStreamMarkup(t *testing.T) {
	out, err := StreamMarkup("wss://calls.example.com/media-stream", map[string]string{
		ParamOutboundID: "ob-1",
		ParamName:       "Dana & Co",
		ParamTo:         "+15550001",
		ParamFrom:       "",
	})
	if err != nil {
		t.Fatalf("StreamMarkup() error = %v", err)
	}
	s := string(out)

	if !strings.HasPrefix(s, "<?xml") {
		t.Error("missing xml header")
	}
	if !strings.Contains(s, `<Stream url="wss://calls.example.com/media-stream">`) {
		t.Errorf("missing stream element: %s", s)
	}
	if !strings.Contains(s, `<Parameter name="name" value="Dana &amp; Co"></Parameter>`) {
		t.Errorf("name parameter not escaped: %s", s)
	}
	if strings.Contains(s, `name="from"`) {
		t.Errorf("empty parameter should be omitted: %s", s)
	}
	// Stable ordering: name < outbound_id < to
	if strings.Index(s, `name="name"`) > strings.Index(s, `name="outbound_id"`) {
		t.Errorf("parameters not sorted: %s", s)
	}
}

func TestStreamMarkupRequiresURL(t *testing.T) {
	if _, err := StreamMarkup("", nil); err == nil {
		t.Error("expected error for empty url")
	}
}
