package types

// GossipEntry is one membership fact piggybacked on a wire message.
type GossipEntry struct {
	Node   Node   `cbor:"n" json:"node" msgpack:"n"`
	Status Status `cbor:"s" json:"status" msgpack:"s"`
}

// GossipPayload carries membership facts on probes and responses. A payload
// with no entries is the "none" variant.
type GossipPayload struct {
	Entries []GossipEntry `cbor:"e,omitempty" json:"entries,omitempty" msgpack:"e,omitempty"`
}

// None returns the empty payload.
func None() GossipPayload {
	return GossipPayload{}
}

// Membership returns a payload carrying the given facts.
func Membership(entries []GossipEntry) GossipPayload {
	return GossipPayload{Entries: entries}
}

// IsNone reports whether the payload carries no facts.
func (p GossipPayload) IsNone() bool {
	return len(p.Entries) == 0
}

// Envelope is the codec-encoded body of every wire frame. The frame header's
// message type selects which fields are meaningful:
//
//	ping:    From (replyTo), SeqNo, Gossip
//	pingReq: From (replyTo), SeqNo, Target, Gossip
//	ack:     From, SeqNo, Target (the pinged member), Incarnation, Gossip
//	nack:    From, SeqNo, Target (the pinged member)
type Envelope struct {
	From        Node          `cbor:"f" json:"from" msgpack:"f"`
	SeqNo       uint64        `cbor:"q" json:"seq_no" msgpack:"q"`
	Target      Node          `cbor:"t,omitempty" json:"target,omitempty" msgpack:"t,omitempty"`
	Incarnation uint64        `cbor:"i,omitempty" json:"incarnation,omitempty" msgpack:"i,omitempty"`
	Gossip      GossipPayload `cbor:"g,omitempty" json:"gossip,omitempty" msgpack:"g,omitempty"`
}
