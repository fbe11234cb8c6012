package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	openaischema "github.com/sashabaranov/go-openai/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/NethermindEth/agent-lounge/ai"
)

const (
	ToolEndConversation  = "end_conversation"
	ToolCreateIntelOffer = "create_intel_offer"
	ToolAcceptOffer      = "accept_offer"
)

// Action is a decoded tool call. Exactly one of the concrete types below.
type Action interface {
	toolName() string
}

type EndConversation struct{}

type CreateIntelOffer struct {
	AssetID string `json:"asset_id"`
	Price   int64  `json:"price"`
}

type AcceptOffer struct {
	AssetID string `json:"asset_id"`
}

// Unknown is a tool call that is not recognized or whose arguments did not
// validate. It is logged and otherwise ignored.
type Unknown struct {
	Name   string
	Reason string
}

func (EndConversation) toolName() string  { return ToolEndConversation }
func (CreateIntelOffer) toolName() string { return ToolCreateIntelOffer }
func (AcceptOffer) toolName() string      { return ToolAcceptOffer }
func (u Unknown) toolName() string        { return u.Name }

// Tools lists the functions offered to the model on every turn.
var Tools = []ai.Tool{
	{
		Name:        ToolEndConversation,
		Description: "Leave the conversation. Use it when the conversation has run its course.",
		Parameters:  openaischema.Definition{Type: openaischema.Object},
	},
	{
		Name:        ToolCreateIntelOffer,
		Description: "Offer one of your holdings to the other agent for a price in credits.",
		Parameters: openaischema.Definition{
			Type: openaischema.Object,
			Properties: map[string]openaischema.Definition{
				"asset_id": {Type: openaischema.String, Description: "Id of the holding to sell"},
				"price":    {Type: openaischema.Integer, Description: "Asking price in credits"},
			},
			Required: []string{"asset_id", "price"},
		},
	},
	{
		Name:        ToolAcceptOffer,
		Description: "Accept the pending offer the other agent made to you.",
		Parameters: openaischema.Definition{
			Type: openaischema.Object,
			Properties: map[string]openaischema.Definition{
				"asset_id": {Type: openaischema.String, Description: "Id of the offered asset"},
			},
			Required: []string{"asset_id"},
		},
	},
}

// Decoder validates tool arguments against the schemas sent to the model.
type Decoder struct {
	schemas map[string]*jsonschema.Schema
}

func NewDecoder(tools []ai.Tool) (*Decoder, error) {
	d := &Decoder{schemas: make(map[string]*jsonschema.Schema, len(tools))}
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal %s schema: %w", t.Name, err)
		}
		s, err := jsonschema.CompileString(t.Name+".json", string(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", t.Name, err)
		}
		d.schemas[t.Name] = s
	}
	return d, nil
}

// Decode turns raw tool calls into actions, preserving order.
func (d *Decoder) Decode(calls []ai.ToolCall) []Action {
	out := make([]Action, 0, len(calls))
	for _, c := range calls {
		out = append(out, d.decodeOne(c))
	}
	return out
}

func (d *Decoder) decodeOne(c ai.ToolCall) Action {
	schema, ok := d.schemas[c.Name]
	if !ok {
		return Unknown{Name: c.Name, Reason: "unrecognized tool"}
	}

	args := strings.TrimSpace(c.Arguments)
	if args == "" {
		args = "{}"
	}
	var doc any
	if err := json.Unmarshal([]byte(args), &doc); err != nil {
		return Unknown{Name: c.Name, Reason: "arguments are not json"}
	}
	if err := schema.Validate(doc); err != nil {
		return Unknown{Name: c.Name, Reason: err.Error()}
	}

	switch c.Name {
	case ToolEndConversation:
		return EndConversation{}
	case ToolCreateIntelOffer:
		var a CreateIntelOffer
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return Unknown{Name: c.Name, Reason: err.Error()}
		}
		return a
	case ToolAcceptOffer:
		var a AcceptOffer
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return Unknown{Name: c.Name, Reason: err.Error()}
		}
		return a
	}
	return Unknown{Name: c.Name, Reason: "no decoder"}
}
