package logging

import (
	"regexp"
	"strings"
)

var (
	phonePattern = regexp.MustCompile(`\+?\d{10,15}`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// MaskPhone keeps the country code and last two digits of an E.164 number.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) < 6 {
		return "***"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-2:]
}

// MaskPII substitutes phone numbers and email addresses in free text before
// it reaches a log line.
func MaskPII(text string) string {
	text = phonePattern.ReplaceAllStringFunc(text, MaskPhone)
	text = emailPattern.ReplaceAllString(text, "***@***")
	return text
}
