package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/teslashibe/go-callbridge/pkg/telephony"
)

// ErrInvalidRequest is returned for origination requests missing required fields.
var ErrInvalidRequest = errors.New("server: invalid call request")

// OriginateRequest asks the bridge to call someone.
type OriginateRequest struct {
	To         string `json:"to"`
	Name       string `json:"name"`
	From       string `json:"from"`
	OutboundID string `json:"outbound_id"`
}

// OriginateResult identifies the placed call.
type OriginateResult struct {
	CallSID    string `json:"call_sid"`
	OutboundID string `json:"outbound_id"`
	Status     string `json:"status"`
}

// Originate places a call whose answer URL points back at this bridge on host. A missing
// outbound id is generated.
func Originate(ctx context.Context, calls Originator, host string, req OriginateRequest) (*OriginateResult, error) {
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		return nil, fmt.Errorf("%w: destination required", ErrInvalidRequest)
	}
	if req.From == "" {
		return nil, fmt.Errorf("%w: caller id required", ErrInvalidRequest)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: public host required", ErrInvalidRequest)
	}
	if req.OutboundID == "" {
		req.OutboundID = uuid.NewString()
	}

	resp, err := calls.CreateCall(ctx, telephony.CallRequest{
		To:   req.To,
		From: req.From,
		AnswerURL: AnswerURL(host, map[string]string{
			telephony.ParamOutboundID: req.OutboundID,
			telephony.ParamName:       req.Name,
			telephony.ParamTo:         req.To,
			telephony.ParamFrom:       req.From,
		}),
		StatusCallback: "https://" + host + "/status?" + url.Values{telephony.ParamOutboundID: {req.OutboundID}}.Encode(),
	})
	if err != nil {
		return nil, err
	}
	return &OriginateResult{CallSID: resp.SID, OutboundID: req.OutboundID, Status: resp.Status}, nil
}

// AnswerURL is the markup endpoint on host carrying params as query values. Empty values
// are left out.
func AnswerURL(host string, params map[string]string) string {
	q := url.Values{}
	for _, k := range telephony.SortedParams(params) {
		if params[k] != "" {
			q.Set(k, params[k])
		}
	}
	u := url.URL{Scheme: "https", Host: host, Path: "/twiml", RawQuery: q.Encode()}
	return u.String()
}

// StreamURL is the media-stream websocket on host.
func StreamURL(host, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "wss://" + host + path
}
