// Package transport issues HTTPS requests over mutual TLS and, on routes
// flagged in the endpoint registry, wraps bodies in a hybrid-encrypted JWE
// envelope (RSA-OAEP-256 key wrapping, A256GCM content encryption).
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"visa-direct-sdk/internal/endpoints"
	"visa-direct-sdk/pkg/logger"
	"visa-direct-sdk/pkg/tracing"
)

var (
	allowedKeyAlgs = []jose.KeyAlgorithm{jose.RSA_OAEP_256}
	allowedEncs    = []jose.ContentEncryption{jose.A256GCM}
)

// Options configures a SecureClient. Registry defaults to the embedded
// endpoint registry; HTTPClient, when set, overrides the mTLS transport
// (used by tests).
type Options struct {
	BaseURL    string
	CertPath   string
	KeyPath    string
	CAPath     string
	EnvMode    string
	Registry   *endpoints.Registry
	HTTPClient *http.Client
	// Timeout bounds each payout call when the caller's context carries no
	// deadline. Zero means unbounded.
	Timeout time.Duration
}

// SecureClient is the SDK's single outbound HTTP path. The environment mode
// is latched at construction: production fails closed when trust material
// is missing, dev degrades to recorded plaintext passthrough.
type SecureClient struct {
	http       *http.Client
	baseURL    string
	registry   *endpoints.Registry
	keys       *KeySetCache
	production bool
	timeout    time.Duration
}

func NewSecureClient(opts Options) (*SecureClient, error) {
	registry := opts.Registry
	if registry == nil {
		var err error
		registry, err = endpoints.LoadDefault()
		if err != nil {
			return nil, err
		}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = registry.BaseURL()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		tlsCfg, err := buildTLSConfig(opts.CertPath, opts.KeyPath, opts.CAPath)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}

	production := opts.EnvMode == "production"
	keySetTTL := time.Duration(registry.JWKS.CacheTTLSeconds) * time.Second

	return &SecureClient{
		http:       httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		registry:   registry,
		keys:       NewKeySetCache(registry.JWKS.URL, keySetTTL, production, nil),
		production: production,
		timeout:    opts.Timeout,
	}, nil
}

func buildTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", caPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// KeySet exposes the key-set cache (the orchestrator never needs it; tests
// and the client wiring do).
func (c *SecureClient) KeySet() *KeySetCache {
	return c.keys
}

// Post sends body as JSON (or as an encrypted envelope on flagged routes)
// and returns the parsed response body, status code, and headers.
func (c *SecureClient) Post(ctx context.Context, path string, body any, headers map[string]string) (map[string]any, int, http.Header, error) {
	requiresMLE := c.registry.RequiresMLE(path)

	ctx, span := tracing.Start(ctx, "transport.post",
		attribute.String("http.route", path),
		attribute.Bool("visa.requires_mle", requiresMLE),
	)
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to serialize request body: %w", err)
	}

	contentType := "application/json"
	reqHeaders := map[string]string{"x-request-id": uuid.NewString()}
	for k, v := range headers {
		reqHeaders[k] = v
	}

	usedEnvelope := false
	if requiresMLE {
		keys, err := c.keys.Current(ctx)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, 0, nil, err
		}
		if len(keys.Keys) == 0 {
			if c.production {
				tracing.RecordError(span, ErrKeySetUnavailable)
				return nil, 0, nil, fmt.Errorf("%w: path %s", ErrKeySetUnavailable, path)
			}
			span.AddEvent("jwe.encrypt.dev_passthrough")
			logger.Warn("MLE route sent as plaintext in dev mode", zap.String("path", path))
		} else {
			token, kid, err := encryptEnvelope(payload, keys.Keys[0])
			if err != nil {
				tracing.RecordError(span, err)
				return nil, 0, nil, err
			}
			payload = []byte(token)
			contentType = "application/jose"
			reqHeaders["x-jwe-kid"] = kid
			usedEnvelope = true
			span.AddEvent("jwe.encrypt.success")
		}
	}

	if c.timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", contentType)
	for k, v := range reqHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, 0, nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		tracing.RecordError(span, httpErr)
		return nil, resp.StatusCode, resp.Header, httpErr
	}

	var parsed map[string]any
	if usedEnvelope {
		parsed, err = c.decryptResponse(ctx, raw, span)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, resp.StatusCode, resp.Header, err
		}
	} else if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, resp.StatusCode, resp.Header, fmt.Errorf("failed to parse response from %s: %w", path, err)
		}
	}

	return parsed, resp.StatusCode, resp.Header, nil
}

// Get issues a plain JSON GET (used for payout status lookups).
func (c *SecureClient) Get(ctx context.Context, path string, headers map[string]string) (map[string]any, int, http.Header, error) {
	ctx, span := tracing.Start(ctx, "transport.get", attribute.String("http.route", path))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-request-id", uuid.NewString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, 0, nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		tracing.RecordError(span, httpErr)
		return nil, resp.StatusCode, resp.Header, httpErr
	}

	var parsed map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, resp.StatusCode, resp.Header, fmt.Errorf("failed to parse response from %s: %w", path, err)
		}
	}
	return parsed, resp.StatusCode, resp.Header, nil
}

// encryptEnvelope wraps the payload in a compact JWE for the given key.
func encryptEnvelope(payload []byte, key jose.JSONWebKey) (string, string, error) {
	kid := key.KeyID
	if kid == "" {
		kid = "unknown"
	}

	recipientKey := key
	if !key.IsPublic() {
		recipientKey = key.Public()
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: recipientKey.Key, KeyID: kid},
		nil,
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to create envelope encrypter: %w", err)
	}

	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt request envelope: %w", err)
	}

	token, err := obj.CompactSerialize()
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize request envelope: %w", err)
	}
	return token, kid, nil
}

// decryptResponse opens an envelope response. Plain JSON is accepted as a
// simulator/dev fallback. An unknown kid triggers exactly one forced
// key-set refresh before failing.
func (c *SecureClient) decryptResponse(ctx context.Context, raw []byte, span trace.Span) (map[string]any, error) {
	text := strings.TrimSpace(string(raw))

	if strings.HasPrefix(text, "{") {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse plaintext fallback response: %w", err)
		}
		return parsed, nil
	}

	obj, err := jose.ParseEncrypted(text, allowedKeyAlgs, allowedEncs)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrJWEDecrypt)
	}

	kid := obj.Header.KeyID
	keys, err := c.keys.Current(ctx)
	if err != nil {
		return nil, err
	}

	key, found := findKey(keys, kid)
	if !found {
		span.AddEvent("jwe.decrypt.retry_on_kid_miss")
		keys, err = c.keys.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		key, found = findKey(keys, kid)
		if !found {
			return nil, fmt.Errorf("%w: kid %s", ErrJWEKidUnknown, kid)
		}
	}

	plaintext, err := obj.Decrypt(key.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %s", ErrJWEDecrypt, kid)
	}
	span.AddEvent("jwe.decrypt.success")

	var parsed map[string]any
	if err := json.Unmarshal(plaintext, &parsed); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrJWEDecrypt)
	}
	return parsed, nil
}

func findKey(set jose.JSONWebKeySet, kid string) (jose.JSONWebKey, bool) {
	matches := set.Key(kid)
	if len(matches) == 0 {
		return jose.JSONWebKey{}, false
	}
	return matches[0], true
}
