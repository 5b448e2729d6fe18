// Package authmw provides HTTP middleware for advisor bearer token
// authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

type advisorKey struct{}

// Token binds a bearer token to the advisor it identifies.
type Token struct {
	Advisor string
	Secret  string
}

// ParseTokens reads a "name:token,name:token" list. Names and tokens must
// be non-empty, and a token may not be shared between advisors.
func ParseTokens(raw string) ([]Token, error) {
	var out []Token
	seen := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, secret, ok := strings.Cut(entry, ":")
		name, secret = strings.TrimSpace(name), strings.TrimSpace(secret)
		if !ok || name == "" || secret == "" {
			return nil, fmt.Errorf("advisor token entry %q: want name:token", redact(entry))
		}
		if prev, dup := seen[secret]; dup {
			return nil, fmt.Errorf("advisor tokens for %q and %q are identical", prev, name)
		}
		seen[secret] = name
		out = append(out, Token{Advisor: name, Secret: secret})
	}
	return out, nil
}

// Advisor returns the authenticated advisor name stored by BearerTokens.
func Advisor(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(advisorKey{}).(string)
	return name, ok && name != ""
}

// WithAdvisor returns a context carrying the advisor name.
func WithAdvisor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, advisorKey{}, name)
}

// BearerTokens returns middleware that accepts a request only when its
// Authorization header carries one of tokens. Every token is compared in
// constant time. On success the advisor name is stored in the request
// context, added to the request logger and set on the active span.
func BearerTokens(tokens []Token) func(http.Handler) http.Handler {
	secrets := make([][]byte, len(tokens))
	for i, t := range tokens {
		secrets[i] = []byte(t.Secret)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])

			match := -1
			for i, s := range secrets {
				if subtle.ConstantTimeCompare(got, s) == 1 && match < 0 {
					match = i
				}
			}
			if match < 0 {
				writeUnauthorized(w, "invalid token")
				return
			}

			name := tokens[match].Advisor
			ctx := WithAdvisor(r.Context(), name)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("advisor", name))
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("careertrack.advisor", name))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="careertrack"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q,"code":"unauthorized"}`, msg)
}

// redact keeps the advisor name of a malformed entry and hides the rest.
func redact(entry string) string {
	if name, _, ok := strings.Cut(entry, ":"); ok {
		return name + ":***"
	}
	return "***"
}
