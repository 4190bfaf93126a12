package types

import (
	"github.com/oklog/ulid/v2"
)

// JSONSchema represents a JSON Schema definition
type JSONSchema map[string]any

// ID Generation Helpers

func GenerateID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

func GenerateEventID() string        { return GenerateID("evt") }
func GenerateCallID() string         { return GenerateID("call") }
func GenerateJobID() string          { return GenerateID("job") }
func GenerateRequestID() string      { return GenerateID("inp") }
func GenerateConversationID() string { return GenerateID("cnv") }
