package stream

import (
	"encoding/json"
	"strings"
)

// Channel ids of the KIS real-time feeds.
const (
	ChannelDomestic = "H0UNCNT0"
	ChannelOverseas = "HDFSCNT0"
)

const (
	trTypeSubscribe   = "1"
	trTypeUnsubscribe = "2"

	pingPong = "PINGPONG"
)

// Acknowledgement codes of a subscribe request.
var ackCodes = map[string]bool{
	"OPSP0000": true, // SUBSCRIBE SUCCESS
	"OPSP0002": true, // ALREADY IN SUBSCRIBE
}

// Frame is one decoded data frame. Fields are shared between consumers of
// the same frame and must not be modified.
type Frame struct {
	Channel string
	Fields  []string
}

type requestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type requestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

type request struct {
	Header requestHeader `json:"header"`
	Body   struct {
		Input requestInput `json:"input"`
	} `json:"body"`
}

func encodeRequest(approvalKey, trType string, id Identity) ([]byte, error) {
	var r request
	r.Header = requestHeader{
		ApprovalKey: approvalKey,
		CustType:    "P",
		TrType:      trType,
		ContentType: "utf-8",
	}
	r.Body.Input = requestInput{TrID: id.Channel, TrKey: id.Key}
	return json.Marshal(r)
}

type controlKey struct {
	TrKey string `json:"tr_key"`
}

// control is an inbound JSON frame: PINGPONG or a request acknowledgement.
type control struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body *struct {
		RtCd   string      `json:"rt_cd"`
		MsgCd  string      `json:"msg_cd"`
		Msg1   string      `json:"msg1"`
		Input  *controlKey `json:"input"`
		Output *controlKey `json:"output"`
	} `json:"body"`
}

// ackKey returns the subscription key an acknowledgement refers to,
// preferring body.output over body.input.
func (c *control) ackKey() string {
	if c.Body == nil {
		return ""
	}
	if c.Body.Output != nil && c.Body.Output.TrKey != "" {
		return c.Body.Output.TrKey
	}
	if c.Body.Input != nil {
		return c.Body.Input.TrKey
	}
	return ""
}

// isAck reports whether c acknowledges a subscription.
func (c *control) isAck() bool {
	return c.Header.TrID != "" && c.Body != nil && ackCodes[c.Body.MsgCd]
}

// parseData splits "<x>|<channel>|<x>|f0^f1^..." and reports false when any
// of the three pipes is missing.
func parseData(raw string) (Frame, bool) {
	first := strings.IndexByte(raw, '|')
	if first < 0 {
		return Frame{}, false
	}
	second := strings.IndexByte(raw[first+1:], '|')
	if second < 0 {
		return Frame{}, false
	}
	second += first + 1
	third := strings.IndexByte(raw[second+1:], '|')
	if third < 0 {
		return Frame{}, false
	}
	third += second + 1
	return Frame{
		Channel: raw[first+1 : second],
		Fields:  strings.Split(raw[third+1:], "^"),
	}, true
}

// match returns the identities a data frame belongs to, without duplicates.
// Domestic frames match their leading code exactly. Overseas frames match
// the real-time key in the leading field, unioned with every overseas key
// ending in the ticker of the second field, since the venue prefix of the
// key is not always echoed consistently.
func match(f Frame, keys []string) []Identity {
	var lead string
	if len(f.Fields) > 0 {
		lead = strings.TrimSpace(f.Fields[0])
	}

	switch f.Channel {
	case ChannelDomestic:
		if lead == "" {
			return nil
		}
		for _, k := range keys {
			if k == lead {
				return []Identity{{Channel: f.Channel, Key: k}}
			}
		}
		return nil

	case ChannelOverseas:
		var ticker string
		if len(f.Fields) > 1 {
			ticker = strings.ToUpper(strings.TrimSpace(f.Fields[1]))
		}
		var out []Identity
		for _, k := range keys {
			if (lead != "" && k == lead) || (ticker != "" && strings.HasSuffix(strings.ToUpper(k), ticker)) {
				out = append(out, Identity{Channel: f.Channel, Key: k})
			}
		}
		return out
	}
	return nil
}
