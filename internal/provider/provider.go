package provider

import (
	"context"
	"strings"
	"time"
)

// Provider is the messaging-provider boundary used by business logic.
//
// Rules:
// - No provider HTTP calls outside this package.
// - Delivery failures and timeouts surface as lines.ErrProviderUnavailable.
// - ConnectionState never reports StateClosed unless the provider said so.
type Provider interface {
	Name() string

	SendText(ctx context.Context, handle, phone, text string) (SendReceipt, error)

	// ConnectionState probes a line's provider connection. On error the state
	// is StateUnknown.
	ConnectionState(ctx context.Context, handle string) (ConnState, error)
}

type SendReceipt struct {
	// ProviderMessageID is the provider's id for the sent message, if any.
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}

type ConnState string

const (
	StateOpen    ConnState = "open"
	StateClosed  ConnState = "closed"
	StateUnknown ConnState = "unknown"
)

// ParseConnState maps provider state strings. Anything not recognized is
// unknown.
func ParseConnState(s string) ConnState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "connected":
		return StateOpen
	case "close", "closed", "disconnected", "logout", "banned":
		return StateClosed
	default:
		return StateUnknown
	}
}

// NormalizePhone strips transport decorations from a contact address so the
// same contact always maps to the same key.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "whatsapp:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return s
	}
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "+" {
		return ""
	}
	if !strings.HasPrefix(out, "+") {
		out = "+" + out
	}
	return out
}
