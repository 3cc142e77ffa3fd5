package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const genericSignatureHeader = "X-Webhook-Signature"

// Generic event types.
const (
	GenericProvision = "provision"
	GenericCancel    = "cancel"
	GenericSuspend   = "suspend"
)

// Generic handles deliveries signed with a hex HMAC-SHA256 of the body in
// the X-Webhook-Signature header.
type Generic struct {
	secret []byte
}

// NewGeneric returns a Generic provider.
func NewGeneric(secret string) *Generic {
	return &Generic{secret: []byte(secret)}
}

// Verify checks the X-Webhook-Signature header against body.
func (g *Generic) Verify(header http.Header, body []byte, _ time.Time) error {
	sig, err := hex.DecodeString(header.Get(genericSignatureHeader))
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: missing or malformed %s header", ErrSignature, genericSignatureHeader)
	}
	if !hmac.Equal(sig, g.sign(body)) {
		return fmt.Errorf("%w: no matching signature", ErrSignature)
	}
	return nil
}

func (g *Generic) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature returns a valid X-Webhook-Signature value for body.
func (g *Generic) Signature(body []byte) string {
	return hex.EncodeToString(g.sign(body))
}

type genericEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
	OwnerID  string `json:"owner_id"`
	PlanID   string `json:"plan_id"`
	Name     string `json:"name"`
	Region   string `json:"region"`
	MemoryMB int    `json:"memory_mb"`
	Reason   string `json:"reason"`
}

// Parse decodes a generic event.
func (g *Generic) Parse(body []byte) (Event, error) {
	var ev genericEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	switch ev.Type {
	case GenericProvision:
		return ProvisionRequested{
			EventID:  ev.ID,
			TenantID: ev.TenantID,
			OwnerID:  ev.OwnerID,
			PlanID:   ev.PlanID,
			Name:     ev.Name,
			Region:   ev.Region,
			MemoryMB: ev.MemoryMB,
		}, nil
	case GenericCancel:
		return CancellationRequested{EventID: ev.ID, TenantID: ev.TenantID}, nil
	case GenericSuspend:
		return SuspensionRequested{EventID: ev.ID, TenantID: ev.TenantID, Reason: ev.Reason}, nil
	default:
		return Ignored{EventID: ev.ID, Type: ev.Type}, nil
	}
}
