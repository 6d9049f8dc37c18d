// Package replstate holds the server-wide state shared by the command
// executor and the replication engine: role, replication identity, and
// the set of registered replica connections.
package replstate

import (
	"bufio"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Role is the server's position in the replication topology.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// Replica is a registered replica connection: a socket that completed
// PSYNC. It outlives the request that created it and is written to by
// any goroutine propagating a command, and read by its own connection
// goroutine — hence the private lock around the writer.
type Replica struct {
	Conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
	Offset int64 // informational; not used for resync decisions
}

// NewReplica wraps conn for registration in a State's replica list.
func NewReplica(conn net.Conn) *Replica {
	return &Replica{Conn: conn, writer: bufio.NewWriter(conn)}
}

// Write sends raw propagated bytes to the replica and flushes them,
// serialized against any concurrent writer for this same replica.
func (r *Replica) Write(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.writer.Write(b); err != nil {
		return err
	}
	return r.writer.Flush()
}

// State is the process-wide server record described in spec.md §3. All
// methods are safe for concurrent use. The keyspace itself lives in
// package store and is not part of State.
type State struct {
	role Role
	port uint16

	mu               sync.RWMutex
	masterReplID     string
	masterReplOffset uint64
	masterHost       string
	masterPort       uint16
	replicasMu       sync.RWMutex
	replicas         []*Replica
}

// NewPrimary returns a State configured as a primary listening on port,
// with a freshly generated replication id.
func NewPrimary(port uint16) *State {
	return &State{
		role:         RolePrimary,
		port:         port,
		masterReplID: generateReplID(),
	}
}

// NewReplicaState returns a State configured as a replica of
// masterHost:masterPort, listening on port. Its replication id and
// offset are populated later from the primary's FULLRESYNC reply via
// SetMasterReplID/SetMasterReplOffset.
func NewReplicaState(port uint16, masterHost string, masterPort uint16) *State {
	return &State{
		role:       RoleReplica,
		port:       port,
		masterHost: masterHost,
		masterPort: masterPort,
	}
}

// generateReplID produces a 40-character alphanumeric id. It draws its
// entropy from two random UUIDs rather than hand-rolled byte formatting:
// each UUID's hyphen-free hex form is 32 characters, so two concatenated
// give 64 characters, of which the first 40 are kept.
func generateReplID() string {
	a := strings.ReplaceAll(uuid.NewString(), "-", "")
	b := strings.ReplaceAll(uuid.NewString(), "-", "")
	return (a + b)[:40]
}

// Role returns the server's current role.
func (s *State) Role() Role { return s.role }

// Port returns the server's listening port.
func (s *State) Port() uint16 { return s.port }

// MasterReplID returns the current replication id.
func (s *State) MasterReplID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterReplID
}

// SetMasterReplID overwrites the replication id. Used by a replica once
// it learns the primary's id from FULLRESYNC.
func (s *State) SetMasterReplID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterReplID = id
}

// MasterReplOffset returns the current replication offset.
func (s *State) MasterReplOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterReplOffset
}

// SetMasterReplOffset overwrites the replication offset. Used by a
// replica once it learns the primary's offset from FULLRESYNC.
func (s *State) SetMasterReplOffset(offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterReplOffset = offset
}

// MasterAddr returns the host and port of the primary this replica
// follows. Only meaningful when Role() == RoleReplica.
func (s *State) MasterAddr() (host string, port uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterHost, s.masterPort
}

// AddReplica registers r as a connected replica. Called only once r has
// completed PSYNC.
func (s *State) AddReplica(r *Replica) {
	s.replicasMu.Lock()
	defer s.replicasMu.Unlock()
	s.replicas = append(s.replicas, r)
}

// RemoveReplica unregisters r, e.g. after its connection drops.
func (s *State) RemoveReplica(r *Replica) {
	s.replicasMu.Lock()
	defer s.replicasMu.Unlock()
	for i, existing := range s.replicas {
		if existing == r {
			s.replicas = append(s.replicas[:i], s.replicas[i+1:]...)
			return
		}
	}
}

// ListReplicas returns a snapshot of the currently registered replicas,
// in registration order. The caller iterates the snapshot outside any
// lock, so a slow or dead replica cannot block others.
func (s *State) ListReplicas() []*Replica {
	s.replicasMu.RLock()
	defer s.replicasMu.RUnlock()
	out := make([]*Replica, len(s.replicas))
	copy(out, s.replicas)
	return out
}
