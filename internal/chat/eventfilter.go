package chat

import (
	"encoding/json"
	"strings"
)

// MarkerKind classifies stored turn content for workflow resumption.
type MarkerKind int

const (
	// NotMarker is ordinary conversational text, including malformed JSON.
	NotMarker MarkerKind = iota
	// KnownMarker is a workflow event envelope with a tag from resumeTags.
	KnownMarker
	// UnknownMarker has the envelope shape but a tag we do not know. Still hidden.
	UnknownMarker
)

func (k MarkerKind) String() string {
	switch k {
	case KnownMarker:
		return "known"
	case UnknownMarker:
		return "unknown"
	default:
		return "none"
	}
}

// resumeTags is the closed set of workflow control-flow tags: the value types
// a paused workflow asks for and the operations that resume it.
var resumeTags = map[string]struct{}{
	"option":    {},
	"text":      {},
	"interrupt": {},
	"resume":    {},
	"ignore":    {},
	"abort":     {},
}

// envelopeKeys is the vocabulary of workflow event envelopes. A known tag
// tolerates extra flat fields; an unknown tag must stay inside this set.
var envelopeKeys = map[string]struct{}{
	"type":       {},
	"message":    {},
	"content":    {},
	"option":     {},
	"value":      {},
	"event_id":   {},
	"eventId":    {},
	"need_reply": {},
	"needReply":  {},
}

// ClassifyContent decides whether raw is a synthetic workflow event. An
// envelope is a flat JSON object with a non-empty string "type". Its fields
// hold scalars or lists of scalars, never nested objects.
func ClassifyContent(raw string) MarkerKind {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "{") {
		return NotMarker
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return NotMarker
	}
	rawType, ok := obj["type"]
	if !ok {
		return NotMarker
	}
	var tag string
	if err := json.Unmarshal(rawType, &tag); err != nil || strings.TrimSpace(tag) == "" {
		return NotMarker
	}
	inVocabulary := true
	for k, v := range obj {
		if !flatValue(v) {
			return NotMarker
		}
		if _, ok := envelopeKeys[k]; !ok {
			inVocabulary = false
		}
	}
	if _, ok := resumeTags[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return KnownMarker
	}
	if inVocabulary {
		return UnknownMarker
	}
	return NotMarker
}

// flatValue reports whether v is a scalar or an array of scalars.
func flatValue(v json.RawMessage) bool {
	t := strings.TrimSpace(string(v))
	switch {
	case strings.HasPrefix(t, "{"):
		return false
	case strings.HasPrefix(t, "["):
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil {
			return false
		}
		for _, it := range items {
			if s := strings.TrimSpace(string(it)); strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
				return false
			}
		}
	}
	return true
}

// IsResumeMarker reports whether raw must be hidden from the model.
func IsResumeMarker(raw string) bool {
	return ClassifyContent(raw) != NotMarker
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// flattenBlocks handles content stored as a list of multimodal blocks.
// isList is false for anything that is not such a list.
func flattenBlocks(raw string) (text string, hasText bool, isList bool) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "[") {
		return "", false, false
	}
	var blocks []contentBlock
	if err := json.Unmarshal([]byte(s), &blocks); err != nil || len(blocks) == 0 {
		return "", false, false
	}
	for _, b := range blocks {
		if b.Type == "" {
			return "", false, false
		}
	}
	for _, b := range blocks {
		if b.Type == "text" {
			return b.Text, true, true
		}
	}
	return "", false, true
}

// FilterHistory drops resume markers and flattens block-list envelopes to
// their first text block (dropping those with none). The input is not modified.
func FilterHistory(msgs []HistoryMessage) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if IsResumeMarker(m.Content) {
			continue
		}
		if text, hasText, isList := flattenBlocks(m.Content); isList {
			if !hasText {
				continue
			}
			m.Content = text
		}
		out = append(out, m)
	}
	return out
}
