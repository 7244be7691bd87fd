package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// SharedUnknownKey is the conservative fallback actor key used when no
// usable identity can be derived from the request. All such requests share
// one (tight) rate-limit bucket rather than failing the request.
const SharedUnknownKey = "shared:unknown"

// Hasher derives stable, privacy-preserving actor identifiers. Salts come
// from configuration so keys survive process restarts; raw IPs and user
// agents are never retained.
type Hasher struct {
	ipSalt []byte
	uaSalt []byte
}

func NewHasher(ipSalt, uaSalt string) *Hasher {
	return &Hasher{ipSalt: []byte(ipSalt), uaSalt: []byte(uaSalt)}
}

// HashIP anonymizes the address to its /24 (IPv6: /48) before hashing, so
// neighboring addresses on the same subnet share a key. Returns "" for an
// unparseable address.
func (h *Hasher) HashIP(ipStr string) string {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return ""
	}
	var cidr string
	if v4 := ip.To4(); v4 != nil {
		cidr = v4.Mask(net.CIDRMask(24, 32)).String()
	} else {
		cidr = ip.Mask(net.CIDRMask(48, 128)).String()
	}
	return h.sum(h.ipSalt, cidr)
}

// HashUA hashes the raw user-agent string. Returns "" for an empty UA.
func (h *Hasher) HashUA(ua string) string {
	if ua == "" {
		return ""
	}
	return h.sum(h.uaSalt, ua)
}

func (h *Hasher) sum(salt []byte, s string) string {
	m := hmac.New(sha256.New, salt)
	m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))[:16]
}

// Actor is the derived request identity. It is computed per request and
// never persisted.
type Actor struct {
	IPHash string
	UAHash string
	UserID string
}

// Key returns the rate-limit key for the actor: the user id when
// authenticated, the hashed IP otherwise, and the shared fallback bucket
// when neither is available.
func (a Actor) Key() string {
	if a.UserID != "" {
		return "user:" + a.UserID
	}
	if a.IPHash != "" {
		return "ip:" + a.IPHash
	}
	return SharedUnknownKey
}

// Resolve derives the actor identity for a request.
func (h *Hasher) Resolve(ip, userAgent, userID string) Actor {
	return Actor{
		IPHash: h.HashIP(ip),
		UAHash: h.HashUA(userAgent),
		UserID: userID,
	}
}

// LooksAutomated reports whether a user agent matches a known
// script/headless client signature.
func LooksAutomated(ua string) bool {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "curl"),
		strings.Contains(ua, "python-requests"),
		strings.Contains(ua, "go-http-client"),
		strings.Contains(ua, "wget"),
		strings.Contains(ua, "java"),
		strings.Contains(ua, "headless"):
		return true
	default:
		return false
	}
}
