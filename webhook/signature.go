package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-fulfillment/flow"
)

// Signature headers. The signature is "v0=" + hex(HMAC-SHA256(secret, "v0:<timestamp>:<body>")).
const (
	HeaderSignature = "X-Fulfillment-Signature"
	HeaderTimestamp = "X-Fulfillment-Timestamp"
	signatureScheme = "v0"
)

// Verifier checks request signatures with a per-channel secret.
type Verifier struct {
	secrets map[string]string
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier builds a verifier. Channels without a secret are reported as unsupported.
func NewVerifier(secrets map[string]string, maxSkew time.Duration) *Verifier {
	normalized := make(map[string]string, len(secrets))
	for ch, secret := range secrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			normalized[strings.ToLower(strings.TrimSpace(ch))] = secret
		}
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{secrets: normalized, maxSkew: maxSkew, now: time.Now}
}

// Sign returns the header value for body at ts. Used by tests and outbound callers.
func Sign(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureScheme + ":" + strconv.FormatInt(ts.Unix(), 10) + ":"))
	mac.Write(body)
	return signatureScheme + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify never rejects; the verdict becomes a risk flag the guard acts on.
func (v *Verifier) Verify(channel string, h http.Header, body []byte) flow.SignatureStatus {
	if v == nil {
		return flow.SignatureUnsupported
	}
	secret, ok := v.secrets[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		return flow.SignatureUnsupported
	}
	sig := strings.TrimSpace(h.Get(HeaderSignature))
	rawTS := strings.TrimSpace(h.Get(HeaderTimestamp))
	if sig == "" || rawTS == "" {
		return flow.SignatureInvalid
	}
	unix, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return flow.SignatureInvalid
	}
	ts := time.Unix(unix, 0)
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return flow.SignatureInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(secret, ts, body))) {
		return flow.SignatureInvalid
	}
	return flow.SignatureValid
}
