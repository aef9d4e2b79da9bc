package safety

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ActorHash derives the opaque actor id stored with security events. The raw
// principal id never leaves the request path.
func ActorHash(secret []byte, principal string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(principal))
	return hex.EncodeToString(mac.Sum(nil))
}
