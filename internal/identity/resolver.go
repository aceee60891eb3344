// Package identity extracts a canonical sender phone and the other message
// fields from loosely structured provider payloads. Everything here is pure:
// no I/O, no clock, no logging.
package identity

import (
	"strings"
)

// Kind tags a resolution result.
type Kind int

const (
	// KindCanonical is a fully normalized domestic number.
	KindCanonical Kind = iota
	// KindAmbiguous carries a usable phone whose origin or format is
	// uncertain (chatid source, alternate JID field, non-domestic number).
	KindAmbiguous
	// KindRejected carries no phone; Reason says why.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindCanonical:
		return "canonical"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "rejected"
	}
}

// Rejection and ambiguity reasons.
const (
	ReasonNoPhone        = "no_phone"
	ReasonGroupOrInvalid = "group_or_invalid_id"
	ReasonChatIDSource   = "chatid_source"
	ReasonAlternateField = "alternate_field"
	ReasonNotDomestic    = "not_domestic"
)

// Result is the outcome of Resolve.
type Result struct {
	Kind   Kind
	Phone  string
	Source string
	Reason string
}

// Accepted reports whether the result carries a usable phone.
func (r Result) Accepted() bool {
	return r.Kind != KindRejected
}

const (
	maxPhoneDigits = 15
	minAltDigits   = 10
	mobileMarker   = '9'
	areaCodeDigits = 2
)

var (
	primaryFields   = []string{"phone", "from", "sender", "chatid"}
	alternateFields = []string{"remoteJid", "jid", "participant", "author"}
)

// Resolver normalizes sender phones for one domestic numbering scheme.
type Resolver struct {
	countryCode string
}

// NewResolver creates a resolver stripping the given domestic country
// prefix (e.g. "55").
func NewResolver(countryCode string) *Resolver {
	return &Resolver{countryCode: digitsOf(countryCode)}
}

// Resolve scans the payload for the sender phone.
//
// Only the domestic scheme is normalized. Foreign numbers keep the digits
// they arrived with and come back as KindAmbiguous.
func (r *Resolver) Resolve(payload map[string]any) Result {
	source, digits := firstCandidate(payload, primaryFields)
	if digits == "" {
		return Result{Kind: KindRejected, Reason: ReasonNoPhone}
	}

	kind := KindCanonical
	reason := ""
	if source == "chatid" {
		kind, reason = KindAmbiguous, ReasonChatIDSource
	}

	if len(digits) > maxPhoneDigits {
		altSource, altDigits := alternateCandidate(payload)
		if altDigits == "" {
			return Result{Kind: KindRejected, Source: source, Reason: ReasonGroupOrInvalid}
		}
		source, digits = altSource, altDigits
		kind, reason = KindAmbiguous, ReasonAlternateField
	}

	phone, domestic := r.normalize(digits)
	if !domestic && kind == KindCanonical {
		kind, reason = KindAmbiguous, ReasonNotDomestic
	}
	return Result{Kind: kind, Phone: phone, Source: source, Reason: reason}
}

// Normalize applies the country-code heuristic to an already digit-only
// string. Used for outbound numbers and patient phone lookups.
func (r *Resolver) Normalize(raw string) string {
	phone, _ := r.normalize(digitsOf(raw))
	return phone
}

// normalize strips the domestic prefix and inserts the mobile marker for
// 10-digit numbers. The bool reports whether the result is a domestic
// local number.
func (r *Resolver) normalize(digits string) (string, bool) {
	if r.countryCode != "" && strings.HasPrefix(digits, r.countryCode) && len(digits) > 11 {
		local := digits[len(r.countryCode):]
		if len(local) == 10 {
			local = local[:areaCodeDigits] + string(mobileMarker) + local[areaCodeDigits:]
		}
		return local, len(local) == 11
	}
	return digits, len(digits) == 10 || len(digits) == 11
}

func firstCandidate(payload map[string]any, fields []string) (string, string) {
	for _, f := range fields {
		v, ok := lookupString(payload, f)
		if !ok {
			continue
		}
		if d := digitsOf(jidUser(v)); d != "" {
			return f, d
		}
	}
	return "", ""
}

func alternateCandidate(payload map[string]any) (string, string) {
	for _, f := range alternateFields {
		v, ok := lookupString(payload, f)
		if !ok {
			continue
		}
		d := digitsOf(jidUser(v))
		if len(d) >= minAltDigits && len(d) <= maxPhoneDigits {
			return f, d
		}
	}
	return "", ""
}

// jidUser reduces "5511...:3@s.whatsapp.net" to "5511...". Values without
// an "@" are returned unchanged.
func jidUser(v string) string {
	at := strings.IndexByte(v, '@')
	if at < 0 {
		return v
	}
	user := v[:at]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
