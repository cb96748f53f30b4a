package pipeline

import "time"

// Kind labels a network event coming off the socket layer.
type Kind uint8

const (
	KindHeartbeat Kind = iota
	KindDataReceived
	KindSocketError
	KindSslHandshakeFailed
	KindConnectionClosed
	KindNewConnection
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindDataReceived:
		return "data_received"
	case KindSocketError:
		return "socket_error"
	case KindSslHandshakeFailed:
		return "ssl_handshake_failed"
	case KindConnectionClosed:
		return "connection_closed"
	case KindNewConnection:
		return "new_connection"
	default:
		return "unknown"
	}
}

// priority maps an event kind to its dispatch queue, most urgent first.
// Lifecycle events keep the connection table accurate, so they drain ahead
// of errors and data; heartbeats wait behind everything.
func (k Kind) priority() int {
	switch k {
	case KindNewConnection, KindConnectionClosed:
		return 0
	case KindSocketError, KindSslHandshakeFailed:
		return 1
	case KindDataReceived:
		return 2
	default:
		return 3
	}
}

// Event is one unit of work submitted by the socket layer. Data is owned by
// the event once submitted; the reader must not reuse the slice.
type Event struct {
	Kind         Kind
	ConnectionID uint64
	Data         []byte
	Err          error
	At           time.Time
}
