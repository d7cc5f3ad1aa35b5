package inapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		ruleID string
		data   string
	}{
		{name: "rule triggered", raw: `{"message_type":"rule_triggered","rule_id":"r1"}`, kind: KindRuleTriggered, ruleID: "r1"},
		{name: "numeric rule id", raw: `{"message_type":"rule_triggered","rule_id":42}`, kind: KindMalformed},
		{name: "direct", raw: `{"data":{"type":"popup","template":{"x":1}}}`, kind: KindDirect, data: `{"type":"popup","template":{"x":1}}`},
		{name: "direct with other message type", raw: `{"message_type":"inapp","data":{"type":"banner"}}`, kind: KindDirect, data: `{"type":"banner"}`},
		{name: "rule triggered without id", raw: `{"message_type":"rule_triggered"}`, kind: KindMalformed},
		{name: "rule triggered empty id", raw: `{"message_type":"rule_triggered","rule_id":""}`, kind: KindMalformed},
		{name: "no data", raw: `{"hello":"world"}`, kind: KindMalformed},
		{name: "data not object", raw: `{"data":"popup"}`, kind: KindMalformed},
		{name: "array", raw: `[1,2]`, kind: KindMalformed},
		{name: "invalid", raw: `{"data":`, kind: KindMalformed},
		{name: "empty", raw: ``, kind: KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Decode([]byte(tt.raw))
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.ruleID, f.RuleID)
			if tt.data != "" {
				assert.JSONEq(t, tt.data, string(f.Data))
			}
			if tt.kind == KindMalformed {
				assert.NotEmpty(t, f.Reason)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "direct", KindDirect.String())
	assert.Equal(t, "rule_triggered", KindRuleTriggered.String())
	assert.Equal(t, "malformed", KindMalformed.String())
}
