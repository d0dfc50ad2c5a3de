package mq

import (
	"strconv"
	"time"
)

// Reserved header keys. Transports without native fields for these carry
// them next to the user headers.
const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"
	headerExpiration = "x-message-expiration-ms"
)

// encodeMeta flattens the message's user headers and reserved fields into one map.
func encodeMeta(m *Message) map[string]string {
	out := make(map[string]string, len(m.Headers)+5)
	for k, v := range m.Headers {
		out[k] = v
	}
	if m.ID != "" {
		out[headerID] = m.ID
	}
	if !m.Timestamp.IsZero() {
		out[headerTimestamp] = m.Timestamp.Format(time.RFC3339Nano)
	}
	out[headerRetryCount] = strconv.Itoa(m.RetryCount)
	out[headerMaxRetries] = strconv.Itoa(m.MaxRetries)
	if m.Expiration > 0 {
		out[headerExpiration] = strconv.FormatInt(m.Expiration.Milliseconds(), 10)
	}
	return out
}

// decodeMeta sets the field named by key, or stores it as a user header.
// Malformed reserved values are ignored.
func decodeMeta(m *Message, key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	switch key {
	case headerID:
		m.ID = value
	case headerTimestamp:
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			m.Timestamp = ts
		}
	case headerRetryCount:
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			m.RetryCount = n
		}
	case headerMaxRetries:
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			m.MaxRetries = n
		}
	case headerExpiration:
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			m.Expiration = time.Duration(ms) * time.Millisecond
		}
	default:
		m.Headers[key] = value
	}
}
