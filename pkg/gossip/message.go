package gossip

import "crypto/ed25519"

// PeerID identifies a participant. It is derived from the peer's public key
// and is only ever stored and compared.
type PeerID string

func (id PeerID) String() string { return string(id) }

// Short returns a prefix suitable for log lines.
func (id PeerID) Short() string {
	if len(id) <= 10 {
		return string(id)
	}
	return string(id[:10])
}

// hello is the first value written in each direction of a connection.
type hello struct {
	From      PeerID            `codec:"from"`
	PublicKey ed25519.PublicKey `codec:"pub"`
	Addr      string            `codec:"addr"`
	SchemaV   uint16            `codec:"v"` // forward-compat
}

const schemaVersion = 1

// Envelope is one published message on the wire.
type Envelope struct {
	Topic string `codec:"topic"`
	From  PeerID `codec:"from"`
	Seq   uint64 `codec:"seq"`
	Data  []byte `codec:"data"`
}

// Received is an envelope accepted by a Topic.
type Received struct {
	Source PeerID
	Data   []byte
}

// Contact reports a remote peer completing a handshake with us (Up) or
// its connection going away. Addr is the address the peer advertised in its
// hello and may be empty.
type Contact struct {
	Peer PeerID
	Addr string
	Up   bool
}
