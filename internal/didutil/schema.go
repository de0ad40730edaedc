package didutil

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const didDocumentSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "@context": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": ["string", "object"]}}
      ]
    },
    "id": {"type": "string", "pattern": "^did:[a-z0-9]+:.+"},
    "controller": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "alsoKnownAs": {"type": "array", "items": {"type": "string"}},
    "verificationMethod": {
      "type": "array",
      "items": {"$ref": "#/definitions/verificationMethod"}
    },
    "authentication": {"$ref": "#/definitions/relationship"},
    "assertionMethod": {"$ref": "#/definitions/relationship"},
    "keyAgreement": {"$ref": "#/definitions/relationship"},
    "capabilityInvocation": {"$ref": "#/definitions/relationship"},
    "capabilityDelegation": {"$ref": "#/definitions/relationship"},
    "service": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "serviceEndpoint"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": ["string", "array"], "items": {"type": "string"}}
        }
      }
    }
  },
  "definitions": {
    "verificationMethod": {
      "type": "object",
      "required": ["id", "type", "controller"],
      "properties": {
        "id": {"type": "string"},
        "type": {"type": "string"},
        "controller": {"type": "string"},
        "publicKeyMultibase": {"type": "string"},
        "publicKeyBase58": {"type": "string"},
        "publicKeyJwk": {"type": "object"}
      }
    },
    "relationship": {
      "type": "array",
      "items": {
        "oneOf": [
          {"type": "string"},
          {"$ref": "#/definitions/verificationMethod"}
        ]
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(didDocumentSchema)

// ValidateDocumentJSON checks raw JSON against the DID document data model.
func ValidateDocumentJSON(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validation of DID document failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("DID document not valid: %s", strings.Join(msgs, "; "))
	}
	return nil
}
