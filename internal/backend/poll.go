package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrPollRejected is returned when the backend answers success=false.
	ErrPollRejected = errors.New("backend: in-app poll rejected")
	// ErrMalformedResponse is returned for bodies missing required fields.
	ErrMalformedResponse = errors.New("backend: malformed response")
)

// PollInApp fetches the in-app payload for a triggered rule and returns the
// raw "data" object of a successful response.
func (c *Client) PollInApp(ctx context.Context, ruleID string) (json.RawMessage, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("backend: poll: rule id is required")
	}
	resp, err := c.post(ctx, PathPollInApp, map[string]string{"rule_id": ruleID})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("%w: poll body is not JSON", ErrMalformedResponse)
	}

	success := gjson.GetBytes(resp.Body, "success")
	if success.Type != gjson.True {
		return nil, fmt.Errorf("%w: rule %s", ErrPollRejected, ruleID)
	}
	data := gjson.GetBytes(resp.Body, "data")
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: poll data missing", ErrMalformedResponse)
	}
	return json.RawMessage(data.Raw), nil
}
