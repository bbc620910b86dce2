package types

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// NodeAddr is the host:port identity of a cluster node. It is stable across
// restarts of the process listening on that address.
type NodeAddr string

// Node identifies a single run of a cluster participant. Host and Port name
// the process's probe endpoint; UID is regenerated on every process start so
// that a restarted node is distinguishable from its previous incarnation.
type Node struct {
	Host string    `cbor:"h" json:"host" msgpack:"h"`
	Port int       `cbor:"p" json:"port" msgpack:"p"`
	UID  uuid.UUID `cbor:"u" json:"uid" msgpack:"u"`
}

// NewNode creates a Node with a fresh UID.
func NewNode(host string, port int) Node {
	return Node{Host: host, Port: port, UID: uuid.New()}
}

// Addr returns the host:port identity of the node.
func (n Node) Addr() NodeAddr {
	return NodeAddr(net.JoinHostPort(n.Host, strconv.Itoa(n.Port)))
}

// Equal reports whether both nodes refer to the same run of the same process:
// host, port and UID all match.
func (n Node) Equal(other Node) bool {
	return n.Host == other.Host && n.Port == other.Port && n.UID == other.UID
}

// SameAddress reports whether both nodes listen on the same host:port,
// ignoring the UID. Membership admission and local-node checks compare by
// address; a restarted process must map onto the same table slot.
func (n Node) SameAddress(other Node) bool {
	return n.Host == other.Host && n.Port == other.Port
}

// IsZero reports whether the node is the zero value.
func (n Node) IsZero() bool {
	return n.Host == "" && n.Port == 0 && n.UID == uuid.Nil
}

func (n Node) String() string {
	return fmt.Sprintf("%s#%s", n.Addr(), shortUID(n.UID))
}

func shortUID(u uuid.UUID) string {
	s := u.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Reachability is the two-valued view exposed to the cluster layer. The four
// member states collapse onto it: alive and suspect count as reachable,
// unreachable and dead as unreachable.
type Reachability uint8

const (
	ReachabilityReachable Reachability = iota
	ReachabilityUnreachable
)

func (r Reachability) String() string {
	if r == ReachabilityReachable {
		return "reachable"
	}
	return "unreachable"
}
