package controllerapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"catmesh"
)

type contextKey string

const contextKeyNode contextKey = "node"

// HeaderAuthKey is the header a node presents its auth_key in.
const HeaderAuthKey = "Authorization"

// BearerPrefix is stripped from the Authorization header if present, so
// nodes may send either the bare key or a "Bearer <key>" value.
const BearerPrefix = "Bearer "

// Authenticator authenticates requests against a node's stored auth_key.
// Grounded on arbok's internal/auth.Authenticator, generalized from a
// single process-wide set of valid keys to a per-node key looked up from
// the store: every node has its own key, so there is no fixed set to
// range over — instead the presented key drives the lookup, and the
// looked-up key is compared back in constant time.
type Authenticator struct {
	nodes  NodeStore
	logger *slog.Logger
}

// NewAuthenticator constructs an Authenticator over nodes.
func NewAuthenticator(nodes NodeStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{nodes: nodes, logger: logger}
}

// Middleware authenticates the request's Authorization header against
// the claimed node's auth_key and stores the resolved node in the
// request context. /client/register is exempt: a node has no auth_key
// until registration issues one.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/client/register" {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAuthKey(r)
		if key == "" {
			http.Error(w, "missing auth key", http.StatusUnauthorized)
			return
		}

		node, err := a.nodes.NodeByAuthKey(r.Context(), key)
		if err != nil {
			if !errors.Is(err, catmesh.ErrUnauthorized) {
				a.logger.Error("auth lookup failed", slog.Any("error", err))
			}
			http.Error(w, "invalid auth key", http.StatusUnauthorized)
			return
		}

		// The lookup above is an indexed equality query, not a timing
		// oracle on the key's bytes; compare the two known strings in
		// constant time before trusting the match.
		if subtle.ConstantTimeCompare([]byte(key), []byte(node.AuthKey)) != 1 {
			http.Error(w, "invalid auth key", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyNode, node)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractAuthKey(r *http.Request) string {
	if v := r.Header.Get(HeaderAuthKey); v != "" {
		return strings.TrimPrefix(v, BearerPrefix)
	}
	return r.URL.Query().Get("auth_key")
}

// NodeFromContext retrieves the authenticated node set by Middleware.
func NodeFromContext(ctx context.Context) (catmesh.Node, bool) {
	n, ok := ctx.Value(contextKeyNode).(catmesh.Node)
	return n, ok
}
