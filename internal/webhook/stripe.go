package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Provider kinds accepted in configuration.
const (
	KindStripe  = "stripe"
	KindGeneric = "generic"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	defaultTolerance      = 5 * time.Minute

	stripeCheckoutCompleted   = "checkout.session.completed"
	stripeSubscriptionDeleted = "customer.subscription.deleted"
	stripeSubscriptionPaused  = "customer.subscription.paused"
)

// Stripe handles Stripe-style deliveries. The signature header carries a
// timestamp and one or more v1 signatures over "{timestamp}.{body}".
type Stripe struct {
	secret    []byte
	tolerance time.Duration
}

// NewStripe returns a Stripe provider. A zero tolerance means five minutes.
func NewStripe(secret string, tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Stripe{secret: []byte(secret), tolerance: tolerance}
}

// Verify checks the Stripe-Signature header against body.
func (s *Stripe) Verify(header http.Header, body []byte, now time.Time) error {
	raw := header.Get(stripeSignatureHeader)
	if raw == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignature, stripeSignatureHeader)
	}

	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrSignature)
			}
			ts = n
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed %s header", ErrSignature, stripeSignatureHeader)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > s.tolerance || age < -s.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
	}

	expected := s.sign(ts, body)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignature)
}

func (s *Stripe) sign(ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader returns a valid Stripe-Signature value for body at ts.
func (s *Stripe) SignatureHeader(ts time.Time, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(s.sign(ts.Unix(), body)))
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ClientReferenceID string            `json:"client_reference_id"`
			Customer          string            `json:"customer"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Parse maps checkout completion to ProvisionRequested and subscription
// deletion to CancellationRequested and a paused subscription to
// SuspensionRequested. Tenant attributes come from the
// session metadata.
func (s *Stripe) Parse(body []byte) (Event, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	obj := ev.Data.Object
	md := obj.Metadata

	switch ev.Type {
	case stripeCheckoutCompleted:
		owner := md["owner_id"]
		if owner == "" {
			owner = obj.Customer
		}
		memory, err := parseMemory(md["memory_mb"])
		if err != nil {
			return nil, err
		}
		return ProvisionRequested{
			EventID:  ev.ID,
			TenantID: firstNonEmpty(md["tenant_id"], obj.ClientReferenceID),
			OwnerID:  owner,
			PlanID:   md["plan_id"],
			Name:     md["name"],
			Region:   md["region"],
			MemoryMB: memory,
		}, nil
	case stripeSubscriptionDeleted:
		return CancellationRequested{EventID: ev.ID, TenantID: md["tenant_id"]}, nil
	case stripeSubscriptionPaused:
		return SuspensionRequested{EventID: ev.ID, TenantID: md["tenant_id"], Reason: "subscription paused"}, nil
	default:
		return Ignored{EventID: ev.ID, Type: ev.Type}, nil
	}
}

func parseMemory(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("memory_mb %q is not a number", v)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
