// v1
// internal/publish/codec.go
package publish

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTemplate carries every VoteEvent field a consumer needs to
	// attribute the vote: time, tag, value and the reader that saw it.
	DefaultTemplate = "{timestamp},{nfc_uid},{value},{reader}"
	// LegacyTemplate is the three-field payload older consumers parse.
	LegacyTemplate = "{timestamp},{nfc_uid},{value}"
)

// Codec serializes a VoteEvent into a bus payload.
type Codec interface {
	Encode(ev VoteEvent) ([]byte, error)
	Name() string
}

// NewCodec returns the codec registered under kind: "template", "legacy"
// (LegacyTemplate, template ignored) or "json".
func NewCodec(kind, template string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "template":
		return NewTemplateCodec(template)
	case "legacy":
		return NewTemplateCodec(LegacyTemplate)
	case "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", kind)
	}
}

// TemplateCodec substitutes {timestamp}, {nfc_uid}, {value}, {reader} and
// {event_id} in a fixed template.
type TemplateCodec struct {
	template string
}

// NewTemplateCodec validates template; an empty template selects DefaultTemplate.
func NewTemplateCodec(template string) (TemplateCodec, error) {
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate
	}
	if !strings.Contains(template, "{") {
		return TemplateCodec{}, fmt.Errorf("payload template %q has no placeholder", template)
	}
	return TemplateCodec{template: template}, nil
}

func (c TemplateCodec) Name() string { return "template" }

func (c TemplateCodec) Encode(ev VoteEvent) ([]byte, error) {
	tpl := c.template
	if tpl == "" {
		tpl = DefaultTemplate
	}
	r := strings.NewReplacer(
		"{timestamp}", FormatTimestamp(ev.Timestamp),
		"{nfc_uid}", ev.TagID.String(),
		"{value}", string(ev.Value),
		"{reader}", ev.Reader,
		"{event_id}", ev.EventID,
	)
	return []byte(r.Replace(tpl)), nil
}

// FormatTimestamp renders t as Unix seconds with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

// JSONCodec emits the VoteEvent as a JSON document.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(ev VoteEvent) ([]byte, error) {
	return json.Marshal(ev)
}
