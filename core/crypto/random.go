package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// SecureRandomHex 生成指定字节长度的安全随机十六进制字符串。
func SecureRandomHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// RandomString 根据字符集生成指定位数的随机字符串。
func RandomString(n int, charset string) string {
	if n <= 0 || len(charset) == 0 {
		return ""
	}
	max := big.NewInt(int64(len(charset)))
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return ""
		}
		buf[i] = charset[v.Int64()]
	}
	return string(buf)
}
