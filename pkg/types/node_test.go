package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeEqualityRelations(t *testing.T) {
	n := NewNode("10.0.0.1", 7946)
	restarted := NewNode("10.0.0.1", 7946)

	// A restarted process keeps its address but gets a fresh UID.
	assert.True(t, n.SameAddress(restarted))
	assert.False(t, n.Equal(restarted))
	assert.True(t, n.Equal(n))
}

func TestNodeAddr(t *testing.T) {
	n := NewNode("10.0.0.1", 7946)
	assert.Equal(t, NodeAddr("10.0.0.1:7946"), n.Addr())

	v6 := NewNode("::1", 7946)
	assert.Equal(t, NodeAddr("[::1]:7946"), v6.Addr())
}

func TestNodeIsZero(t *testing.T) {
	assert.True(t, Node{}.IsZero())
	assert.False(t, NewNode("127.0.0.1", 1).IsZero())
}
