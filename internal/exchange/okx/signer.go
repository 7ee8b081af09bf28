package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// sign produces the OKX REST request signature: base64(HMAC-SHA256(secret,
// timestamp+method+requestPath+body)).
func sign(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
