package bus

import (
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names shared with workers. The retry count header is stamped by
// workers on requeue and arrives in whatever integer encoding the client
// library chose.
const (
	HeaderCorrelationID = "CorrelationId"
	HeaderMaxRetries    = "MaxRetries"
	HeaderRetryCount    = "x-retry-count"
)

// RetryCount extracts the worker retry counter from delivery headers,
// tolerating the numeric encodings AMQP clients produce. Missing or
// unreadable values count as zero.
func RetryCount(headers amqp.Table) int {
	return intHeader(headers, HeaderRetryCount, 0)
}

// MaxRetries extracts the per-job retry ceiling, falling back to def when
// the header is absent or unreadable.
func MaxRetries(headers amqp.Table, def int) int {
	return intHeader(headers, HeaderMaxRetries, def)
}

// CorrelationID resolves the occurrence correlation id for a delivery,
// preferring the explicit header over the AMQP property.
func CorrelationID(d amqp.Delivery) string {
	if d.Headers != nil {
		if v, ok := d.Headers[HeaderCorrelationID]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case []byte:
				if len(s) > 0 {
					return string(s)
				}
			}
		}
	}
	return d.CorrelationId
}

func intHeader(headers amqp.Table, name string, def int) int {
	if headers == nil {
		return def
	}
	v, ok := headers[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	case []byte:
		if parsed, err := strconv.Atoi(string(n)); err == nil {
			return parsed
		}
	}
	return def
}
