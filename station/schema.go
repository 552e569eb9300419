package station

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

const parametersSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["station_name", "port"],
  "additionalProperties": false,
  "properties": {
    "station_name": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "acquired": {"type": "boolean"},
    "frame_processing_disabled": {"type": "boolean"}
  }
}`

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["stations"],
  "properties": {
    "stations": {"type": "array", "items": ` + parametersSchema + `}
  }
}`

var (
	entrySchema = mustSchema(parametersSchema)
	docSchema   = mustSchema(documentSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("station schema: %v", err))
	}
	return s
}

// Document is the on-disk form of a station table.
type Document struct {
	Stations []Parameters `json:"stations" yaml:"stations"`
}

// ParseDocument decodes a YAML or JSON station document, validating it
// against the station schema before mapping it onto Parameters.
func ParseDocument(data []byte) ([]Parameters, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapInvalid(err, "station", "ParseDocument", "decode document")
	}
	if err := validate(docSchema, gojsonschema.NewGoLoader(raw)); err != nil {
		return nil, errors.WrapInvalid(err, "station", "ParseDocument", "validate document")
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "station", "ParseDocument", "map document")
	}
	return doc.Stations, nil
}

// ParseEntry decodes one JSON-encoded Parameters value.
func ParseEntry(data []byte) (Parameters, error) {
	if err := validate(entrySchema, gojsonschema.NewBytesLoader(data)); err != nil {
		return Parameters{}, errors.WrapInvalid(err, "station", "ParseEntry", "validate entry")
	}
	var p Parameters
	if err := json.Unmarshal(data, &p); err != nil {
		return Parameters{}, errors.WrapInvalid(err, "station", "ParseEntry", "decode entry")
	}
	return p, nil
}

func validate(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) error {
	result, err := schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; "))
}
