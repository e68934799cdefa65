// Package queue consumes enrichment requests of the form
// {"activityId": "...", "userId": "..."} from a message queue and routes
// messages that cannot be processed to a poison record.
package queue

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

//go:embed message.schema.json
var messageSchemaJSON string

const schemaURL = "https://fitglue.dev/schemas/enrichment-message.json"

var messageSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic(err)
	}
	return c.MustCompile(schemaURL)
}

// Decode validates and parses an enrichment message body.
func Decode(data []byte) (types.EnrichmentMessage, error) {
	var msg types.EnrichmentMessage
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return msg, &syncerrors.ValidationError{Field: "body", Reason: "message is not valid JSON", Err: err}
	}
	if err := messageSchema.Validate(inst); err != nil {
		return msg, &syncerrors.ValidationError{Field: "body", Reason: "message does not match schema", Err: err}
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, &syncerrors.ValidationError{Field: "body", Reason: "malformed message", Err: err}
	}
	return msg, nil
}
