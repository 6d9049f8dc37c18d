package replstate

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrimaryGeneratesStableReplID(t *testing.T) {
	s := NewPrimary(6379)
	id := s.MasterReplID()
	assert.Len(t, id, 40)
	assert.Equal(t, id, s.MasterReplID(), "replid must be stable for process lifetime")
	assert.Equal(t, RolePrimary, s.Role())
}

func TestNewReplicaStateHasNoReplicas(t *testing.T) {
	s := NewReplicaState(6380, "127.0.0.1", 6379)
	assert.Equal(t, RoleReplica, s.Role())
	assert.Empty(t, s.ListReplicas(), "a replica never has non-empty replicas")

	host, port := s.MasterAddr()
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, uint16(6379), port)
}

func TestAddAndRemoveReplicaPreservesOrder(t *testing.T) {
	s := NewPrimary(6379)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()

	r1 := NewReplica(c1)
	r2 := NewReplica(c3)

	s.AddReplica(r1)
	s.AddReplica(r2)

	got := s.ListReplicas()
	require.Len(t, got, 2)
	assert.Same(t, r1, got[0])
	assert.Same(t, r2, got[1])

	s.RemoveReplica(r1)
	got = s.ListReplicas()
	require.Len(t, got, 1)
	assert.Same(t, r2, got[0])
}

func TestSetMasterReplIDAndOffset(t *testing.T) {
	s := NewReplicaState(6380, "host", 1)
	s.SetMasterReplID("abc")
	s.SetMasterReplOffset(42)

	assert.Equal(t, "abc", s.MasterReplID())
	assert.Equal(t, uint64(42), s.MasterReplOffset())
}
