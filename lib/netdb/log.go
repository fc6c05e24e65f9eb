package netdb

import "github.com/go-i2p/logger"

var log = logger.GetGoI2PLogger()

// shortKey returns up to the first n characters of s for log fields.
func shortKey(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
