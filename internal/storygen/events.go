package storygen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Change events arrive from the realtime transport as loosely shaped JSON.
// They are validated against a schema at the boundary before being handed to
// the reducer, so the engine only ever sees well-formed events.
const changeEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["storyId", "type"],
	"properties": {
		"storyId": {"type": "string", "minLength": 1},
		"type": {
			"type": "string",
			"enum": ["title_set", "content_set", "summary_set", "error_set", "audio_set", "deleted"]
		},
		"attempt": {"type": "integer", "minimum": 0},
		"title": {"type": "string"},
		"content": {"type": "string"},
		"summary": {"type": "string"},
		"audioUrl": {"type": "string"},
		"message": {"type": "string"},
		"occurredAt": {"type": "string"}
	}
}`

var (
	changeSchemaOnce sync.Once
	changeSchema     *jsonschema.Schema
	changeSchemaErr  error
)

func compiledChangeSchema() (*jsonschema.Schema, error) {
	changeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeEventSchema))
		if err != nil {
			changeSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("change-event.json", doc); err != nil {
			changeSchemaErr = err
			return
		}
		changeSchema, changeSchemaErr = compiler.Compile("change-event.json")
	})
	return changeSchema, changeSchemaErr
}

type rawChangeEvent struct {
	StoryID    string `json:"storyId"`
	Type       string `json:"type"`
	Attempt    int    `json:"attempt"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Summary    string `json:"summary"`
	AudioURL   string `json:"audioUrl"`
	Message    string `json:"message"`
	OccurredAt string `json:"occurredAt"`
}

// ParseChangeEvent validates and decodes one raw change payload.
func ParseChangeEvent(payload []byte) (ChangeEvent, error) {
	schema, err := compiledChangeSchema()
	if err != nil {
		return ChangeEvent{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var raw rawChangeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ev := ChangeEvent{
		Kind:     ChangeKind(raw.Type),
		StoryID:  raw.StoryID,
		Attempt:  raw.Attempt,
		Title:    raw.Title,
		Content:  raw.Content,
		Summary:  raw.Summary,
		AudioURL: raw.AudioURL,
		Message:  raw.Message,
	}
	if raw.OccurredAt != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw.OccurredAt); parseErr == nil {
			ev.OccurredAt = ts
		}
	}
	return ev, nil
}
