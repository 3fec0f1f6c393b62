package bam

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// AdminSuffix marks the address of an admin session. The part before it
// is the id of the cluster server the session speaks for.
const AdminSuffix = "@admin.resin"

var ErrBadCredentials = errors.New("bad credentials")

// AuthRequest carries everything an Authenticator may consult about a
// login. The link fills it in explicitly; nothing is read from ambient
// per-goroutine state.
type AuthRequest struct {
	UID         string
	Credentials string
	Resource    string

	// Admin is the flag from the link's handshake.
	Admin      bool
	RemoteAddr string
	Link       string
}

// Authenticator checks a login and returns the address the session is
// bound to.
type Authenticator interface {
	Authenticate(ctx context.Context, req AuthRequest) (string, error)
}

// StaticAuthenticator checks logins against fixed user tables. Users get
// uid@Domain (plus /resource when given); admins, who must connect with
// the admin handshake flag, get uid@admin.resin.
type StaticAuthenticator struct {
	Domain string
	Users  map[string]string
	Admins map[string]string
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, req AuthRequest) (string, error) {
	if req.UID == "" || strings.ContainsAny(req.UID, "@/") {
		return "", NewErrorInfo(ErrorTypeModify, ConditionBadRequest, "invalid uid")
	}

	if req.Admin {
		if !checkSecret(a.Admins, req.UID, req.Credentials) {
			return "", ErrBadCredentials
		}
		return req.UID + AdminSuffix, nil
	}

	if !checkSecret(a.Users, req.UID, req.Credentials) {
		return "", ErrBadCredentials
	}
	address := req.UID + "@" + a.Domain
	if req.Resource != "" {
		address += "/" + req.Resource
	}
	return address, nil
}

func checkSecret(table map[string]string, uid, secret string) bool {
	want, ok := table[uid]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}

// NamespaceRegistry answers whether a namespace is loaded on this server.
type NamespaceRegistry interface {
	IsLoaded(namespace string) bool
}

// StaticNamespaces is a fixed NamespaceRegistry.
type StaticNamespaces map[string]bool

func (n StaticNamespaces) IsLoaded(namespace string) bool { return n[namespace] }
