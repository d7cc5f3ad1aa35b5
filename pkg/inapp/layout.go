package inapp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Layout is the presentation style of an in-app message.
type Layout string

const (
	LayoutPopup            Layout = "popup"
	LayoutBanner           Layout = "banner"
	LayoutPictureInPicture Layout = "pip"
)

// Known reports whether l is one of the supported layouts.
func (l Layout) Known() bool {
	switch l {
	case LayoutPopup, LayoutBanner, LayoutPictureInPicture:
		return true
	}
	return false
}

// Template is the opaque template object handed to the Presenter.
type Template json.RawMessage

// MarshalJSON returns t unchanged.
func (t Template) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

// HTML returns the first entry of data.content, the markup the message
// renders. ok is false when the template carries no content.
func (t Template) HTML() (html string, ok bool) {
	c := gjson.GetBytes(t, "data.content.0")
	if c.Type != gjson.String {
		return "", false
	}
	return c.String(), true
}

// RenderSpec is a classified in-app message.
type RenderSpec struct {
	Layout   Layout
	Template Template
}

var (
	ErrMissingType     = errors.New("inapp: payload has no type")
	ErrUnknownLayout   = errors.New("inapp: unknown layout")
	ErrMissingTemplate = errors.New("inapp: payload has no template")
)

// Classify reads type and template from an in-app payload. Payloads that
// wrap the message in one more "data" object are accepted as well.
func Classify(payload []byte) (RenderSpec, error) {
	if !gjson.ValidBytes(payload) {
		return RenderSpec{}, fmt.Errorf("%w: invalid json", ErrMissingType)
	}
	msg := gjson.ParseBytes(payload)
	if !msg.Get("type").Exists() && msg.Get("data.type").Exists() {
		msg = msg.Get("data")
	}

	typ := msg.Get("type")
	if typ.Type != gjson.String || typ.String() == "" {
		return RenderSpec{}, ErrMissingType
	}
	render := RenderSpec{Layout: Layout(typ.String())}
	if !render.Layout.Known() {
		return render, fmt.Errorf("%w: %q", ErrUnknownLayout, render.Layout)
	}

	tmpl := msg.Get("template")
	if !tmpl.Exists() || tmpl.Type == gjson.Null {
		return render, ErrMissingTemplate
	}
	render.Template = Template(tmpl.Raw)
	return render, nil
}
