// Package message defines the in-flight request record that flows between
// the UDP listener, the Service, and the upstream connector.
package message

import (
	"encoding/binary"
	"net"
	"time"
)

// MinSize is the smallest datagram that could possibly hold a DNS header.
// Anything shorter is discarded by the listener before it ever becomes a
// Message.
const MinSize = 12

// initialBufferCap is the length of a Message's buffer. It is sized for a
// typical UDP DNS query. The buffer does not grow: a longer datagram is
// truncated to this length by the listener's receive, and upstream replies
// are read into a buffer of their own, not into this one.
const initialBufferCap = 1024

// Responder delivers a reply datagram to the downstream client that
// originally sent the query. It is implemented by the UDP listener that
// received the query, stored on the Message as OriginListener so the
// connector can route a reply back without knowing which listener it
// arrived on.
type Responder interface {
	SendResponse(buf []byte, dst net.Addr)
}

// Message is one in-flight or queued DNS request. It owns the query/reply
// buffer, the downstream client's address, both transaction ids, and a
// timestamp used for TTL aging.
//
// A Message is owned by exactly one of: a listener (while being received),
// the Service's deferred queue, a connector's pending table, or a
// listener's outbound send. Ownership transfer is a move: whichever
// component hands a Message off stops touching it.
type Message struct {
	Buffer []byte
	Size   int

	// ServerID is the transaction id the downstream client chose; it is
	// read from the query's first two bytes on arrival.
	ServerID uint16
	// ClientID is the transaction id this proxy assigns for the upstream
	// leg, chosen fresh by the connector at send time.
	ClientID uint16

	SrcAddr        net.Addr
	OriginListener Responder

	Timestamp time.Time
}

// New allocates a Message with an empty buffer of the standard starting
// capacity, ready to receive a UDP datagram into it.
func New() *Message {
	return &Message{Buffer: make([]byte, initialBufferCap)}
}

// Payload returns the valid portion of the buffer.
func (m *Message) Payload() []byte {
	return m.Buffer[:m.Size]
}

// ReadServerID extracts ServerID from the first two bytes of the buffer,
// where it lives at UDP-ingress time, per RFC 1035's transaction id field.
func (m *Message) ReadServerID() {
	m.ServerID = binary.BigEndian.Uint16(m.Buffer[0:2])
}

// StampClientID rewrites the first two bytes of the buffer to ClientID.
// Call this immediately before the frame is written upstream.
func (m *Message) StampClientID() {
	binary.BigEndian.PutUint16(m.Buffer[0:2], m.ClientID)
}
