package tipi

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrUnknownSession    = errors.New("unknown session")
	ErrClosed            = errors.New("connection closed")
)

type MessageType string

const (
	MessageIdentification MessageType = "identification"
	MessageCapabilities   MessageType = "capabilities"
	MessageConfiguration  MessageType = "configuration"
	MessageStart          MessageType = "start"
	MessageReport         MessageType = "report"
	MessageTask           MessageType = "task"
	MessageTermination    MessageType = "termination"
)

// Message is a single frame exchanged between the controller and a tool.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(t MessageType, payload any) (Message, error) {
	m := Message{Type: t}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	m.Payload = b
	return m, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// Identification is the first message a tool sends after connecting.
type Identification struct {
	Identifier string `json:"identifier"`
	Tool       string `json:"tool,omitempty"`
}

// Object is an input or output of a tool configuration.
type Object struct {
	ID       string `json:"id"`
	Format   string `json:"format"`
	Location string `json:"location"`
}

// InputConfiguration selects one mode of operation of a tool, by category
// and format of its primary input.
type InputConfiguration struct {
	Category  string `json:"category"`
	Format    string `json:"format"`
	PrimaryID string `json:"primary_id,omitempty"`
}

func (ic InputConfiguration) String() string {
	return ic.Category + "/" + ic.Format
}

// Capabilities describe what a tool is able to do
type Capabilities struct {
	Name                string               `json:"name"`
	Version             string               `json:"version,omitempty"`
	InputConfigurations []InputConfiguration `json:"input_configurations"`
}

// Find returns the input configuration matching category and format
func (c Capabilities) Find(category, format string) (InputConfiguration, bool) {
	for _, ic := range c.InputConfigurations {
		if ic.Category == category && ic.Format == format {
			return ic, true
		}
	}
	return InputConfiguration{}, false
}

// Configuration is the contract of a single tool run
type Configuration struct {
	Category     string            `json:"category"`
	OutputPrefix string            `json:"output_prefix,omitempty"`
	Inputs       []Object          `json:"inputs,omitempty"`
	Outputs      []Object          `json:"outputs,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
}

func (c Configuration) Input(id string) (Object, bool) {
	i := slices.IndexFunc(c.Inputs, func(o Object) bool { return o.ID == id })
	if i < 0 {
		return Object{}, false
	}
	return c.Inputs[i], true
}

func (c Configuration) Output(id string) (Object, bool) {
	i := slices.IndexFunc(c.Outputs, func(o Object) bool { return o.ID == id })
	if i < 0 {
		return Object{}, false
	}
	return c.Outputs[i], true
}

// Clone returns a deep copy
func (c Configuration) Clone() Configuration {
	c.Inputs = slices.Clone(c.Inputs)
	c.Outputs = slices.Clone(c.Outputs)
	c.Options = maps.Clone(c.Options)
	return c
}

// Report carries progress or diagnostic text from a running tool
type Report struct {
	Level string `json:"level,omitempty"`
	Text  string `json:"text"`
}

// Task is the result of a tool run
type Task struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
