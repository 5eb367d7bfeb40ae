package main

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
)

func signMD5(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func equalSign(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CheckTokenMD5 verifies a device handshake token.
func CheckTokenMD5(secret, user, device, timestamp, token string) bool {
	return equalSign(signMD5(secret, user, device, timestamp), token)
}

// CheckSignMD5 verifies the signature of an admin request body.
func CheckSignMD5(secret, data, timestamp, sign string) bool {
	return equalSign(signMD5(secret, data, timestamp), sign)
}
