package api

import (
	"context"
	"net/http"
	"strings"

	"taskd/internal/admin"
)

const (
	headerUser  = "X-Taskd-User"
	headerRoles = "X-Taskd-Roles"
)

type principalKey struct{}

// withPrincipal reads the caller from the headers set by the fronting proxy.
func withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := admin.Principal{
			User:  strings.TrimSpace(r.Header.Get(headerUser)),
			Roles: admin.ParseRoles(r.Header.Get(headerRoles)),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principal(r *http.Request) admin.Principal {
	p, _ := r.Context().Value(principalKey{}).(admin.Principal)
	return p
}
