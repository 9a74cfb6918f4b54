package email

import (
	"strings"
	"unicode/utf8"
)

// RedactAddress masks a recipient for logs: the first rune of the local part
// survives and the domain is kept lower-cased, so "John@Gmail.com" becomes
// "j***@gmail.com". Anything without an "@" is masked completely.
func RedactAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	local, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return "***"
	}
	domain = strings.ToLower(domain)
	r, _ := utf8.DecodeRuneInString(local)
	if local == "" || r == utf8.RuneError {
		return "***@" + domain
	}
	return strings.ToLower(string(r)) + "***@" + domain
}
