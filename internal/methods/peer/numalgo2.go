package peer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// Purpose is the single-letter prefix of a numalgo 2 element.
type Purpose byte

const (
	PurposeAssertion            Purpose = 'A'
	PurposeEncryption           Purpose = 'E'
	PurposeVerification         Purpose = 'V'
	PurposeCapabilityInvocation Purpose = 'I'
	PurposeCapabilityDelegation Purpose = 'D'
	PurposeService              Purpose = 'S'
)

// PurposedKey is a multikey fingerprint together with the relationship it
// is placed in.
type PurposedKey struct {
	Purpose     Purpose
	Fingerprint string
}

var serviceAbbreviations = map[string]string{
	"type":             "t",
	"serviceEndpoint":  "s",
	"routingKeys":      "r",
	"accept":           "a",
	"DIDCommMessaging": "dm",
}

var serviceExpansions = func() map[string]string {
	out := make(map[string]string, len(serviceAbbreviations))
	for long, short := range serviceAbbreviations {
		out[short] = long
	}
	return out
}()

// CreateNumAlgo2 encodes keys and services into a numalgo 2 did:peer.
// Service ids are not encoded; they are regenerated on resolution.
func CreateNumAlgo2(keys []PurposedKey, services []types.DIDService) (string, error) {
	var b strings.Builder
	b.WriteString("did:peer:2")
	for _, k := range keys {
		switch k.Purpose {
		case PurposeAssertion, PurposeEncryption, PurposeVerification, PurposeCapabilityInvocation, PurposeCapabilityDelegation:
		default:
			return "", fmt.Errorf("invalid key purpose %q", k.Purpose)
		}
		if _, _, err := didutil.DecodeMultikey(k.Fingerprint); err != nil {
			return "", fmt.Errorf("key %s: %w", k.Fingerprint, err)
		}
		b.WriteByte('.')
		b.WriteByte(byte(k.Purpose))
		b.WriteString(k.Fingerprint)
	}
	for _, svc := range services {
		encoded, err := encodeService(svc)
		if err != nil {
			return "", err
		}
		b.WriteString(".S")
		b.WriteString(encoded)
	}
	return b.String(), nil
}

func documentFromNumAlgo2(did string) (*types.DIDDocument, error) {
	elements := strings.Split(strings.TrimPrefix(did, "did:peer:2"), ".")[1:]

	doc := types.NewDIDDocument(did)
	doc.Context = append(doc.Context, didutil.ContextMultikey)
	keyIndex, serviceIndex := 0, 0
	for _, element := range elements {
		purpose, value := Purpose(element[0]), element[1:]
		if purpose == PurposeService {
			svc, err := decodeService(value)
			if err != nil {
				return nil, types.NewResolutionError(types.ErrorCodeInvalidDID, "%s: %v", did, err)
			}
			svc.ID = "#service"
			if serviceIndex > 0 {
				svc.ID = fmt.Sprintf("#service-%d", serviceIndex)
			}
			serviceIndex++
			doc.Service = append(doc.Service, *svc)
			continue
		}

		if _, _, err := didutil.DecodeMultikey(value); err != nil {
			return nil, types.NewResolutionError(types.ErrorCodeInvalidDID, "%s: %v", did, err)
		}
		keyIndex++
		vmID := fmt.Sprintf("#key-%d", keyIndex)
		doc.VerificationMethod = append(doc.VerificationMethod, types.VerificationMethod{
			ID:                 vmID,
			Type:               didutil.TypeMultikey,
			Controller:         did,
			PublicKeyMultibase: value,
		})
		ref := types.VerificationRelationship{Reference: vmID}
		switch purpose {
		case PurposeAssertion:
			doc.AssertionMethod = append(doc.AssertionMethod, ref)
		case PurposeEncryption:
			doc.KeyAgreement = append(doc.KeyAgreement, ref)
		case PurposeVerification:
			doc.Authentication = append(doc.Authentication, ref)
		case PurposeCapabilityInvocation:
			doc.CapabilityInvocation = append(doc.CapabilityInvocation, ref)
		case PurposeCapabilityDelegation:
			doc.CapabilityDelegation = append(doc.CapabilityDelegation, ref)
		}
	}
	return doc, nil
}

func encodeService(svc types.DIDService) (string, error) {
	raw, err := json.Marshal(svc)
	if err != nil {
		return "", fmt.Errorf("encode service: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("encode service: %w", err)
	}
	delete(fields, "id")
	abbreviated, err := json.Marshal(rewriteKeys(fields, serviceAbbreviations))
	if err != nil {
		return "", fmt.Errorf("encode service: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(abbreviated), nil
}

func decodeService(encoded string) (*types.DIDService, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}
	expanded, err := json.Marshal(rewriteKeys(fields, serviceExpansions))
	if err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}
	var svc types.DIDService
	if err := json.Unmarshal(expanded, &svc); err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}
	return &svc, nil
}

// rewriteKeys renames keys (and the type value) recursively through nested
// serviceEndpoint objects.
func rewriteKeys(fields map[string]any, names map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		name := k
		if renamed, ok := names[k]; ok {
			name = renamed
		}
		switch val := v.(type) {
		case map[string]any:
			v = rewriteKeys(val, names)
		case string:
			if name == "type" || name == "t" {
				if renamed, ok := names[val]; ok {
					v = renamed
				}
			}
		}
		out[name] = v
	}
	return out
}
