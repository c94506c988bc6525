package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g., JSON object map).
type DataPart struct {
	Data     map[string]any // Structured key/value payload
	Metadata map[string]any
}

// isPart implements the Part interface for DataPart.
func (DataPart) isPart() {}

// FunctionCall describes a tool/function invocation request.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`        // Optional stable id (can be supplied later)
	Name      string `json:"name"`                // Tool / function name
	Arguments string `json:"arguments,omitempty"` // Serialized argument payload (e.g. JSON)
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
	Metadata     map[string]any
}

// isPart implements the Part interface for FunctionCallPart.
func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`       // Matches originating FunctionCall ID
	Name     string `json:"name"`               // Function name
	Response any    `json:"response,omitempty"` // Successful result (any shape)
	Error    string `json:"error,omitempty"`    // Populated on failure
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
	Metadata         map[string]any
}

// isPart implements the Part interface for FunctionResponsePart.
func (FunctionResponsePart) isPart() {}

// Content holds role + ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"` // Conversation role (user, assistant, tool, system,...)
	Parts []Part `json:"parts"`          // Ordered heterogeneous parts
}

// Text concatenates all text parts of the content in order. Non-text parts
// are skipped. Returns "" for nil content.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// Clone returns a copy with its own parts slice. Part values copy as values;
// their payload and metadata maps are duplicated one level deep so a cloned
// part can be mutated without reaching back into the original.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	out := &Content{Role: c.Role, Parts: make([]Part, len(c.Parts))}
	for i, p := range c.Parts {
		switch v := p.(type) {
		case TextPart:
			v.Metadata = cloneAnyMap(v.Metadata)
			out.Parts[i] = v
		case DataPart:
			v.Data = cloneAnyMap(v.Data)
			v.Metadata = cloneAnyMap(v.Metadata)
			out.Parts[i] = v
		case FunctionCallPart:
			v.Metadata = cloneAnyMap(v.Metadata)
			out.Parts[i] = v
		case FunctionResponsePart:
			v.Metadata = cloneAnyMap(v.Metadata)
			out.Parts[i] = v
		default:
			out.Parts[i] = p
		}
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// partEnvelope is the tagged wire form of a Part. Durable session backends
// round-trip events through JSON, so the closed part set needs an explicit
// discriminator.
type partEnvelope struct {
	Type             string            `json:"type"`
	Text             string            `json:"text,omitempty"`
	Data             map[string]any    `json:"data,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

const (
	partTypeText             = "text"
	partTypeData             = "data"
	partTypeFunctionCall     = "function_call"
	partTypeFunctionResponse = "function_response"
)

// MarshalJSON encodes the content with each part wrapped in its tagged envelope.
func (c Content) MarshalJSON() ([]byte, error) {
	envelopes := make([]partEnvelope, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch part := p.(type) {
		case TextPart:
			envelopes = append(envelopes, partEnvelope{Type: partTypeText, Text: part.Text, Metadata: part.Metadata})
		case DataPart:
			envelopes = append(envelopes, partEnvelope{Type: partTypeData, Data: part.Data, Metadata: part.Metadata})
		case FunctionCallPart:
			fc := part.FunctionCall
			envelopes = append(envelopes, partEnvelope{Type: partTypeFunctionCall, FunctionCall: &fc, Metadata: part.Metadata})
		case FunctionResponsePart:
			fr := part.FunctionResponse
			envelopes = append(envelopes, partEnvelope{Type: partTypeFunctionResponse, FunctionResponse: &fr, Metadata: part.Metadata})
		default:
			return nil, fmt.Errorf("%w: unsupported part type %T", ErrValidation, p)
		}
	}
	return json.Marshal(struct {
		Role  string         `json:"role,omitempty"`
		Parts []partEnvelope `json:"parts"`
	}{Role: c.Role, Parts: envelopes})
}

// UnmarshalJSON decodes tagged part envelopes back into the closed part set.
func (c *Content) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role  string         `json:"role"`
		Parts []partEnvelope `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Role = raw.Role
	c.Parts = make([]Part, 0, len(raw.Parts))
	for _, env := range raw.Parts {
		switch env.Type {
		case partTypeText:
			c.Parts = append(c.Parts, TextPart{Text: env.Text, Metadata: env.Metadata})
		case partTypeData:
			c.Parts = append(c.Parts, DataPart{Data: env.Data, Metadata: env.Metadata})
		case partTypeFunctionCall:
			if env.FunctionCall == nil {
				return fmt.Errorf("%w: function_call part without payload", ErrValidation)
			}
			c.Parts = append(c.Parts, FunctionCallPart{FunctionCall: *env.FunctionCall, Metadata: env.Metadata})
		case partTypeFunctionResponse:
			if env.FunctionResponse == nil {
				return fmt.Errorf("%w: function_response part without payload", ErrValidation)
			}
			c.Parts = append(c.Parts, FunctionResponsePart{FunctionResponse: *env.FunctionResponse, Metadata: env.Metadata})
		default:
			return fmt.Errorf("%w: unknown part type %q", ErrValidation, env.Type)
		}
	}
	return nil
}
