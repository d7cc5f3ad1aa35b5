// Package inapp turns channel frames into in-app presentations.
//
// Frames are decoded once at the channel boundary into a tagged Frame. The
// Router consumes frames in order, polls the backend for rule-triggered
// messages, classifies the payload into a Layout and hands it to the host's
// Presenter.
package inapp

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// MessageTypeRuleTriggered marks frames that reference a rule to poll for.
const MessageTypeRuleTriggered = "rule_triggered"

// Kind tags a decoded Frame.
type Kind int

const (
	KindMalformed Kind = iota
	KindDirect
	KindRuleTriggered
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRuleTriggered:
		return "rule_triggered"
	default:
		return "malformed"
	}
}

// Frame is one inbound channel message.
type Frame struct {
	Kind Kind
	// RuleID is set for KindRuleTriggered.
	RuleID string
	// Data is the frame's "data" object for KindDirect.
	Data json.RawMessage
	// Reason explains why a frame is KindMalformed.
	Reason string
}

// Decode validates a raw frame. It never fails; frames it cannot use come
// back as KindMalformed with a Reason.
func Decode(raw []byte) Frame {
	if !gjson.ValidBytes(raw) {
		return Frame{Kind: KindMalformed, Reason: "invalid json"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Frame{Kind: KindMalformed, Reason: "frame is not an object"}
	}

	if root.Get("message_type").String() == MessageTypeRuleTriggered {
		ruleID := root.Get("rule_id")
		if ruleID.Type != gjson.String || ruleID.String() == "" {
			return Frame{Kind: KindMalformed, Reason: "rule_triggered frame without string rule_id"}
		}
		return Frame{Kind: KindRuleTriggered, RuleID: ruleID.String()}
	}

	data := root.Get("data")
	if !data.IsObject() {
		return Frame{Kind: KindMalformed, Reason: "frame has no data object"}
	}
	return Frame{Kind: KindDirect, Data: json.RawMessage(data.Raw)}
}
