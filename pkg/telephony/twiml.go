package telephony

import (
	"encoding/xml"
	"fmt"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL    string           `xml:"url,attr"`
	Params []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamMarkup returns call-setup markup that connects the answered call to the media stream
// at streamURL, passing params as stream custom parameters. Empty values are omitted.
func StreamMarkup(streamURL string, params map[string]string) ([]byte, error) {
	if streamURL == "" {
		return nil, fmt.Errorf("telephony: stream url required")
	}

	resp := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	for _, k := range SortedParams(params) {
		if params[k] == "" {
			continue
		}
		resp.Connect.Stream.Params = append(resp.Connect.Stream.Params, twimlParameter{Name: k, Value: params[k]})
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("telephony: encode markup: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
