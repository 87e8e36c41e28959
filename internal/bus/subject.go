// Package bus carries pytroll-style messages over NATS, or in memory for
// tests and single-process setups.
package bus

import (
	"strings"
)

// Subject maps a pytroll topic such as "/PPS/2/site/" onto the NATS subject
// "PPS.2.site".
func Subject(topic string) string {
	parts := strings.FieldsFunc(topic, func(r rune) bool { return r == '/' })
	return strings.Join(parts, ".")
}

// Topic is the inverse of Subject, it always has a leading slash.
func Topic(subject string) string {
	return "/" + strings.ReplaceAll(subject, ".", "/")
}

// Matches reports whether subject is topic or below it, following the
// pytroll convention that a subscription covers every subtopic.
func Matches(topic, subject string) bool {
	t := Subject(topic)
	s := Subject(subject)
	return s == t || strings.HasPrefix(s, t+".")
}
