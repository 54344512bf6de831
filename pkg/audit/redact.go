package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

func redactRecord(rec Record, salt []byte, redact bool) Record {
	if rec.Token != "" {
		rec.TokenHash = hashString(rec.Token, salt)
		rec.Token = ""
	}
	if redact {
		if rec.Command != "" {
			rec.Command = "sha256:" + hashString(rec.Command, salt)
		}
		if rec.Cwd != "" {
			rec.Cwd = "sha256:" + hashString(rec.Cwd, salt)
		}
	}
	return rec
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
