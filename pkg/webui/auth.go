// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package webui is the northbound REST and WebSocket surface. Every
// route sits behind JWT authentication and resource:action permissions.
package webui

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Permission is a resource:action pair
type Permission string

// Permissions used by the route table
const (
	PermTagsRead        Permission = "tags:read"
	PermTagsWrite       Permission = "tags:write"
	PermServicesRead    Permission = "services:read"
	PermServicesCommand Permission = "services:command"
	PermAlarmsRead      Permission = "alarms:read"
	PermAlarmsAck       Permission = "alarms:ack"
	PermAlarmsShelve    Permission = "alarms:shelve"
	PermHistoryRead     Permission = "history:read"
	PermConfigRead      Permission = "config:read"
	PermConfigWrite     Permission = "config:write"
	PermUsersRead       Permission = "users:read"
	PermUsersWrite      Permission = "users:write"
)

var operatorPerms = []Permission{
	PermTagsRead, PermServicesRead, PermServicesCommand,
	PermAlarmsRead, PermAlarmsAck, PermHistoryRead,
}

var engineerPerms = append(append([]Permission{}, operatorPerms...),
	PermTagsWrite, PermAlarmsShelve, PermConfigRead,
)

var adminPerms = append(append([]Permission{}, engineerPerms...),
	PermConfigWrite, PermUsersRead, PermUsersWrite,
)

var rolePermissions = map[string][]Permission{
	"operator": operatorPerms,
	"engineer": engineerPerms,
	"admin":    adminPerms,
}

// HasPermission reports whether a role grants a permission
func HasPermission(role string, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// User is an authenticated identity
type User struct {
	Name string `json:"username"`
	Role string `json:"role"`
}

// Account is one configured login. PasswordHash is hex SHA-256.
type Account struct {
	Username     string
	PasswordHash string
	Role         string
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies session tokens. Sessions live in an
// expiring cache keyed by token id, so restart invalidates everything
// outstanding.
type Authenticator struct {
	secret   []byte
	ttl      time.Duration
	accounts map[string]Account
	sessions *cache.Cache
}

// NewAuthenticator builds the token authority for the configured users
func NewAuthenticator(secret string, ttl time.Duration, accounts []Account) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	byName := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		if _, ok := rolePermissions[a.Role]; !ok {
			return nil, errors.Errorf("user %s: unknown role %q", a.Username, a.Role)
		}
		byName[a.Username] = a
	}
	return &Authenticator{
		secret:   []byte(secret),
		ttl:      ttl,
		accounts: byName,
		sessions: cache.New(ttl, 10*time.Minute),
	}, nil
}

// Login checks credentials and issues a token
func (a *Authenticator) Login(username, password string) (string, User, error) {
	acct, ok := a.accounts[username]
	hash := sha256.Sum256([]byte(password))
	supplied := hex.EncodeToString(hash[:])
	// compare even for unknown users so timing is uniform
	stored := acct.PasswordHash
	if stored == "" {
		stored = supplied + "x"
	}
	if !ok || subtle.ConstantTimeCompare([]byte(supplied), []byte(stored)) != 1 {
		return "", User{}, errors.New("invalid credentials")
	}
	token, err := a.issue(acct)
	if err != nil {
		return "", User{}, err
	}
	return token, User{Name: acct.Username, Role: acct.Role}, nil
}

func (a *Authenticator) issue(acct Account) (string, error) {
	now := time.Now()
	id := uuid.NewString()
	c := claims{
		Role: acct.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.Username,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	a.sessions.Set(id, acct.Username, a.ttl)
	return token, nil
}

// Verify parses a token and returns the identity it carries
func (a *Authenticator) Verify(token string) (User, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return User{}, errors.New("invalid token")
	}
	if _, live := a.sessions.Get(c.ID); !live {
		return User{}, errors.New("session expired")
	}
	return User{Name: c.Subject, Role: c.Role}, nil
}

// Refresh retires a live token and issues a fresh one
func (a *Authenticator) Refresh(token string) (string, User, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", User{}, errors.New("invalid token")
	}
	if _, live := a.sessions.Get(c.ID); !live {
		return "", User{}, errors.New("session expired")
	}
	acct, ok := a.accounts[c.Subject]
	if !ok {
		return "", User{}, errors.New("unknown user")
	}
	a.sessions.Delete(c.ID)
	fresh, err := a.issue(acct)
	if err != nil {
		return "", User{}, err
	}
	return fresh, User{Name: acct.Username, Role: acct.Role}, nil
}
