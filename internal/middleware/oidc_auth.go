package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"relgraph/internal/logging"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// DefaultClockSkew applies when OIDCAuthConfig.ClockSkew is zero.
const DefaultClockSkew = 2 * time.Minute

// OIDCAuthConfig controls bearer-token validation against an OIDC issuer.
type OIDCAuthConfig struct {
	Enabled       bool
	IssuerURL     string
	Audience      string
	ClockSkew     time.Duration
	CAFile        string
	SkipTLSVerify bool
	// ExemptPaths are served without a token, e.g. health checks and metrics scrapes.
	ExemptPaths []string
}

// OIDCAuthMiddleware requires a valid bearer token on every non-exempt request. The issuer
// is discovered once, when the middleware is built; signing keys are fetched lazily.
func OIDCAuthMiddleware(ctx context.Context, cfg OIDCAuthConfig, logger *logging.Logger) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	if cfg.IssuerURL == "" || cfg.Audience == "" {
		return nil, errors.New("oidc auth enabled but issuer/audience not configured")
	}
	if !strings.HasPrefix(cfg.IssuerURL, "https://") {
		return nil, errors.New("oidc issuer url must use https")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.SkipTLSVerify {
		logger.Warn("oidc tls verification is disabled; enable only for local development",
			slog.String("issuer", cfg.IssuerURL),
		)
	}

	client, err := newOIDCHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	// The provider keeps this context for later key fetches, so it must outlive ctx's deadline.
	providerCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, client)
	provider, err := oidc.NewProvider(providerCtx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oidc provider: %w", err)
	}

	// Expiry is checked below with the configured skew.
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.Audience, SkipExpiryCheck: true})

	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exempt[r.URL.Path]; ok || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			reqLogger := logging.FromContext(r.Context())
			reject := func(reason, message string, err error) {
				attrs := []any{
					slog.String("reason", reason),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				}
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
				reqLogger.Warn("authentication failed", attrs...)
				writeUnauthorized(w, message)
			}

			raw := bearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				reject("missing_token", "missing bearer token", nil)
				return
			}

			idToken, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				reject("verification_failed", "invalid token", err)
				return
			}

			var claims map[string]any
			if err := idToken.Claims(&claims); err != nil {
				reject("claims_parse_failed", "invalid token claims", err)
				return
			}
			if err := validateTimeClaims(claims, time.Now(), cfg.ClockSkew); err != nil {
				reject("time_validation_failed", "invalid token", err)
				return
			}

			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("auth.subject", idToken.Subject),
					attribute.String("auth.issuer", idToken.Issuer),
					attribute.Bool("auth.authenticated", true),
				)
			}

			authLogger := reqLogger.WithFields(slog.String("auth_subject", idToken.Subject))
			authLogger.Debug("authentication successful", slog.String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), authLogger)))
		})
	}, nil
}

// newOIDCHTTPClient builds the client used for discovery and JWKS fetches.
func newOIDCHTTPClient(cfg OIDCAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipTLSVerify, //nolint:gosec // opt-in for local development
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read oidc CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("oidc CA file %q contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
}

func bearerToken(value string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	body, _ := json.Marshal(map[string]string{"error": message, "kind": "auth"})
	_, _ = w.Write(body)
}

// validateTimeClaims requires exp and honors nbf, both widened by skew.
func validateTimeClaims(claims map[string]any, now time.Time, skew time.Duration) error {
	exp, ok := numericDate(claims["exp"])
	if !ok {
		return errors.New("token has no expiry")
	}
	if now.After(exp.Add(skew)) {
		return errors.New("token expired")
	}
	if nbf, ok := numericDate(claims["nbf"]); ok && now.Add(skew).Before(nbf) {
		return errors.New("token not valid yet")
	}
	return nil
}

func numericDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	default:
		return time.Time{}, false
	}
}
