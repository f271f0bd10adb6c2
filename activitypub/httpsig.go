package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

var (
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
)

// Sign produces the Date, Host, Digest (when body is non-nil) and Signature
// headers for a request. keyID format: "https://example.com/ap/u/alice#main-key"
func Sign(method, rawURL string, privateKey *rsa.PrivateKey, keyID string, body []byte, now time.Time) (http.Header, error) {
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := SignRequest(req, privateKey, keyID, body, now); err != nil {
		return nil, err
	}
	return req.Header, nil
}

// SignRequest signs req in place. The body must be the exact bytes that will
// be sent, or nil for a request without a body.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyID string, body []byte, now time.Time) error {
	if privateKey == nil {
		return ErrNoPrivateKey
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	req.Header.Set("Host", host)
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	req.Header.Del("Digest")
	req.Header.Del("Signature")

	headers := getSignedHeaders
	if body != nil {
		headers = postSignedHeaders
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if err := signer.SignRequest(privateKey, keyID, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// SignatureParams are the fields of a Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ParseSignature reads the Signature header, or an Authorization header
// using the Signature scheme.
func ParseSignature(header http.Header) (*SignatureParams, error) {
	raw := header.Get("Signature")
	if raw == "" {
		if auth := header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
			raw = strings.TrimPrefix(auth, "Signature ")
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrAuthentication)
	}

	params := &SignatureParams{}
	for _, kv := range splitParams(raw) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.TrimSpace(key) {
		case "keyId":
			params.KeyID = value
		case "algorithm":
			params.Algorithm = value
		case "headers":
			params.Headers = strings.Fields(strings.ToLower(value))
		case "signature":
			params.Signature = value
		}
	}
	if params.KeyID == "" || params.Signature == "" {
		return nil, fmt.Errorf("%w: malformed signature header", ErrAuthentication)
	}
	if len(params.Headers) == 0 {
		params.Headers = []string{"date"}
	}
	return params, nil
}

// splitParams splits on commas outside of quoted values.
func splitParams(s string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, strings.TrimSpace(b.String()))
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, strings.TrimSpace(b.String()))
	}
	return parts
}

// VerifyRequest checks an inbound request: the Date header must lie within
// skew of now, the signature must cover the request target, host and date
// (and the digest when there is a body), the digest must match body, and the
// signature must verify against publicKeyPem. Every failure wraps
// ErrAuthentication.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string, now time.Time, skew time.Duration) error {
	params, err := ParseSignature(req.Header)
	if err != nil {
		return err
	}

	date, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return fmt.Errorf("%w: missing or malformed date", ErrAuthentication)
	}
	if diff := now.Sub(date); diff > skew || diff < -skew {
		return fmt.Errorf("%w: date %s outside the allowed window", ErrAuthentication, date.Format(time.RFC3339))
	}

	required := []string{httpsig.RequestTarget, "host", "date"}
	if len(body) > 0 {
		required = append(required, "digest")
	}
	for _, h := range required {
		if !slices.Contains(params.Headers, h) {
			return fmt.Errorf("%w: signature does not cover %s", ErrAuthentication, h)
		}
	}

	if len(body) > 0 {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			return err
		}
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	// The server moves Host out of the header map; the verifier reads it from there.
	signed := req.Clone(req.Context())
	if signed.Header.Get("Host") == "" {
		signed.Header.Set("Host", req.Host)
	}
	verifier, err := httpsig.NewVerifier(signed)
	if err != nil {
		return fmt.Errorf("%w: failed to create verifier: %v", ErrAuthentication, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: signature verification failed: %v", ErrAuthentication, err)
	}
	return nil
}

// verifyDigest compares the SHA-256 entry of a Digest header with body.
func verifyDigest(header string, body []byte) error {
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	for _, entry := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if value == want {
			return nil
		}
		return fmt.Errorf("%w: digest mismatch", ErrAuthentication)
	}
	return fmt.Errorf("%w: missing SHA-256 digest", ErrAuthentication)
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
