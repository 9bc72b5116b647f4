package receipt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/oars-platform/oars/pkg/canonicalize"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/signing"
)

// receiptSchema is the on-wire contract for a signed receipt.
const receiptSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "receiptId", "actionId", "tenantId", "type", "timestamp",
    "schemaVersion", "resource", "actor", "policy", "risk",
    "previousReceiptId", "integrity"
  ],
  "properties": {
    "receiptId": {"type": "string", "minLength": 1},
    "actionId": {"type": "string", "minLength": 1},
    "tenantId": {"type": "string", "minLength": 1},
    "type": {"enum": ["requested", "denied", "approval_required", "approved", "quarantined", "executed", "failed"]},
    "timestamp": {"type": "string", "format": "date-time"},
    "schemaVersion": {"const": "1"},
    "resource": {
      "type": "object",
      "required": ["toolId", "operation", "target"],
      "properties": {
        "toolId": {"type": "string"},
        "operation": {"type": "string"},
        "target": {"type": "string"}
      }
    },
    "actor": {"type": "object"},
    "policy": {
      "type": "object",
      "required": ["decision"],
      "properties": {
        "decision": {"enum": ["allow", "deny", "approve", "quarantine"]}
      }
    },
    "risk": {
      "type": "object",
      "required": ["score", "tier"],
      "properties": {
        "score": {"type": "integer", "minimum": 0, "maximum": 100},
        "tier": {"enum": ["low", "medium", "high", "critical"]}
      }
    },
    "previousReceiptId": {"type": ["string", "null"]},
    "integrity": {
      "type": "object",
      "required": ["signingKeyId", "signature", "payloadHash"],
      "properties": {
        "signingKeyId": {"type": "string", "minLength": 1},
        "signature": {"type": "string", "minLength": 1},
        "payloadHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("receipt.json", receiptSchema)

// VerifyInput selects the receipt and key material to verify against.
// Either ReceiptID (store lookup) or Receipt must be set. Key material
// resolution order: PublicKeyPEM, PublicKeys by keyId, then the signing
// service.
type VerifyInput struct {
	ReceiptID    string                `json:"receiptId,omitempty"`
	Receipt      *contracts.Receipt    `json:"receipt,omitempty"`
	Chain        []*contracts.Receipt  `json:"chain,omitempty"`
	PublicKeyPEM string                `json:"publicKeyPem,omitempty"`
	PublicKeys   []contracts.TenantKey `json:"publicKeys,omitempty"`
}

// Verify checks schema, signature and chain integrity for one receipt.
func (s *Service) Verify(ctx context.Context, tenantID string, input VerifyInput) (*contracts.VerificationResult, error) {
	result := &contracts.VerificationResult{
		IsSignatureValid: true,
		IsChainValid:     true,
		IsSchemaValid:    true,
	}
	fail := func(field *bool, format string, args ...any) {
		*field = false
		result.VerificationErrors = append(result.VerificationErrors, fmt.Sprintf(format, args...))
	}

	r := input.Receipt
	if r == nil {
		if input.ReceiptID == "" {
			return nil, fmt.Errorf("receipt: verify requires receiptId or receipt")
		}
		var err error
		r, err = s.store.GetReceipt(ctx, tenantID, input.ReceiptID)
		if err != nil {
			return nil, err
		}
	}

	s.verifySchema(r, result, fail)
	s.verifySignature(r, input, result, fail)

	chain := input.Chain
	if chain == nil {
		var err error
		chain, err = s.store.ListReceiptsByAction(ctx, tenantID, r.ActionID)
		if err != nil {
			return nil, err
		}
	}
	s.verifyChain(r, chain, input, result, fail)
	return result, nil
}

func (s *Service) verifySchema(r *contracts.Receipt, result *contracts.VerificationResult, fail func(*bool, string, ...any)) {
	raw, err := json.Marshal(r)
	if err != nil {
		fail(&result.IsSchemaValid, "receipt is not serializable: %v", err)
		return
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		fail(&result.IsSchemaValid, "receipt is not valid JSON: %v", err)
		return
	}
	if err := compiledSchema.Validate(instance); err != nil {
		fail(&result.IsSchemaValid, "schema validation failed: %v", err)
	}
}

func (s *Service) verifySignature(r *contracts.Receipt, input VerifyInput, result *contracts.VerificationResult, fail func(*bool, string, ...any)) {
	if r.Integrity == nil {
		fail(&result.IsSignatureValid, "receipt %s has no integrity block", r.ReceiptID)
		return
	}
	payloadHash, err := canonicalize.CanonicalHash(r.Unsigned())
	if err != nil {
		fail(&result.IsSignatureValid, "canonical hash failed: %v", err)
		return
	}
	if payloadHash != r.Integrity.PayloadHash {
		fail(&result.IsSignatureValid,
			"payload hash mismatch for %s: computed %s, recorded %s",
			r.ReceiptID, payloadHash, r.Integrity.PayloadHash)
		return
	}
	ok, keyErr := s.checkSignature([]byte(payloadHash), r.Integrity.Signature, r.Integrity.SigningKeyID, input)
	if keyErr != "" {
		fail(&result.IsSignatureValid, "%s", keyErr)
		return
	}
	if !ok {
		fail(&result.IsSignatureValid, "signature verification failed for %s", r.ReceiptID)
	}
}

// checkSignature resolves key material per the input and verifies. The
// second return value is non-empty when the signing key cannot be resolved.
func (s *Service) checkSignature(data []byte, sig, keyID string, input VerifyInput) (bool, string) {
	if input.PublicKeyPEM != "" {
		return signing.VerifyWithPEM(data, sig, input.PublicKeyPEM), ""
	}
	if len(input.PublicKeys) > 0 {
		for _, k := range input.PublicKeys {
			if k.KeyID == keyID {
				return signing.VerifyWithPEM(data, sig, k.PublicKeyPEM), ""
			}
		}
		return false, "unknown signing key " + keyID
	}
	if !s.signing.HasKey(keyID) {
		return false, "unknown signing key " + keyID
	}
	return s.signing.Verify(data, sig, keyID), ""
}

func (s *Service) verifyChain(r *contracts.Receipt, chain []*contracts.Receipt, input VerifyInput, result *contracts.VerificationResult, fail func(*bool, string, ...any)) {
	if len(chain) == 0 {
		// A standalone receipt with no prior link verifies trivially.
		if r.PreviousReceiptID != nil {
			fail(&result.IsChainValid, "receipt %s references predecessor %s but no chain is available",
				r.ReceiptID, *r.PreviousReceiptID)
		}
		return
	}
	for i, link := range chain {
		if link.ActionID != r.ActionID {
			fail(&result.IsChainValid, "chain member %s belongs to another action", link.ReceiptID)
			return
		}
		if i == 0 {
			if link.PreviousReceiptID != nil {
				fail(&result.IsChainValid, "first receipt %s must not reference a predecessor", link.ReceiptID)
			}
			continue
		}
		prev := chain[i-1]
		if link.PreviousReceiptID == nil || *link.PreviousReceiptID != prev.ReceiptID {
			fail(&result.IsChainValid, "receipt %s does not chain from %s", link.ReceiptID, prev.ReceiptID)
		}
		if link.Timestamp.Before(prev.Timestamp) {
			fail(&result.IsChainValid, "receipt %s timestamp precedes its predecessor", link.ReceiptID)
		}
	}
	// Every predecessor of the target must itself carry a valid signature.
	for _, link := range chain {
		if link.ReceiptID == r.ReceiptID {
			break
		}
		if link.Integrity == nil {
			fail(&result.IsChainValid, "chain member %s has no integrity block", link.ReceiptID)
			continue
		}
		hash, err := canonicalize.CanonicalHash(link.Unsigned())
		if err != nil || hash != link.Integrity.PayloadHash {
			fail(&result.IsChainValid, "chain member %s payload hash mismatch", link.ReceiptID)
			continue
		}
		ok, keyErr := s.checkSignature([]byte(hash), link.Integrity.Signature, link.Integrity.SigningKeyID, input)
		if keyErr != "" || !ok {
			fail(&result.IsChainValid, "chain member %s signature invalid", link.ReceiptID)
		}
	}
}
