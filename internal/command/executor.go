// Package command implements the per-command semantics described in
// spec.md §4.D: dispatch on a decoded resp.Frame, mutate the keyspace
// and server state, and produce the RESP response bytes.
package command

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"redisd/internal/rdb"
	"redisd/internal/replstate"
	"redisd/internal/resp"
	"redisd/internal/store"
)

// Executor dispatches decoded frames against a shared Store and State.
type Executor struct {
	store *store.Store
	state *replstate.State
	log   *logrus.Entry
}

// New returns an Executor bound to store and state.
func New(st *store.Store, state *replstate.State, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{store: st, state: state, log: log}
}

// Execute runs a single client-originated command and returns the bytes
// to write back on conn. propagate is true when the primary must forward
// frame.Raw to its replicas once the response has been written. registered
// is non-nil only for a successful PSYNC, letting the caller track the
// new replica for cleanup when the connection eventually drops.
//
// conn is only consulted for PSYNC, which must register the caller as a
// replica on the same connection the response was written to.
func (e *Executor) Execute(conn net.Conn, frame *resp.Frame) (response []byte, propagate bool, registered *replstate.Replica) {
	switch frame.Kind {
	case resp.KindPing:
		return e.execPing(frame.Args), false, nil
	case resp.KindEcho:
		return e.execEcho(frame.Args), false, nil
	case resp.KindSet:
		r, p := e.execSet(frame.Args, true)
		return r, p, nil
	case resp.KindGet:
		return e.execGet(frame.Args), false, nil
	case resp.KindInfo:
		return e.execInfo(frame.Args), false, nil
	case resp.KindReplConf:
		return resp.EncodeSimpleString("OK"), false, nil
	case resp.KindPSync:
		response, replica := e.execPSync(conn, frame.Args)
		return response, false, replica
	default:
		return resp.EncodeError("ERR unknown command"), false, nil
	}
}

// ApplyReplicated executes a command a replica received on its
// connection to the primary. It never produces a response (the primary
// is not a client) and never triggers further propagation (a replica has
// no replicas of its own).
func (e *Executor) ApplyReplicated(frame *resp.Frame) {
	switch frame.Kind {
	case resp.KindSet:
		e.execSet(frame.Args, false)
	default:
		e.log.WithField("kind", frame.Kind).Warn("ignoring non-write command on replication stream")
	}
}

func (e *Executor) execPing(args [][]byte) []byte {
	if len(args) == 0 {
		return resp.EncodeSimpleString("PONG")
	}
	return resp.EncodeBulkString(args[0])
}

func (e *Executor) execEcho(args [][]byte) []byte {
	if len(args) != 1 {
		return resp.EncodeError("ERR wrong number of arguments for 'echo' command")
	}
	return resp.EncodeBulkString(args[0])
}

// execSet implements SET key value [PX ms]. respondOK controls whether a
// +OK reply is produced: true for a client connection on a primary
// (spec.md's "on primary, *only*" clause), false when applying a write
// received from the primary over the replication stream.
func (e *Executor) execSet(args [][]byte, respondOK bool) ([]byte, bool) {
	if respondOK && e.state.Role() != replstate.RolePrimary {
		// The source this server is modeled on applies the write and
		// returns +OK unconditionally, which is wrong for a client-issued
		// SET against a replica (see design notes on distinguishing the
		// client channel from the replication channel). A replica rejects
		// client writes outright, matching the teacher's own READONLY
		// check in its executor — and does so before touching the
		// keyspace at all.
		return resp.EncodeError("READONLY You can't write against a read only replica"), false
	}

	var ttl *time.Duration
	switch len(args) {
	case 2:
		// key, value — no expiry
	case 4:
		if !strings.EqualFold(string(args[2]), "PX") {
			return errResponse(respondOK, "ERR syntax error"), false
		}
		ms, err := strconv.ParseUint(string(args[3]), 10, 64)
		if err != nil {
			return errResponse(respondOK, "ERR value is not an integer or out of range"), false
		}
		d := time.Duration(ms) * time.Millisecond
		ttl = &d
	default:
		return errResponse(respondOK, "ERR wrong number of arguments for 'set' command"), false
	}

	e.store.Set(string(args[0]), args[1], ttl)

	if !respondOK {
		return nil, false
	}
	return resp.EncodeSimpleString("OK"), true
}

// errResponse returns nil when no response is wanted (replicated-write
// path), or an encoded RESP error otherwise. A malformed SET arriving
// over the replication stream should never happen in practice, but if it
// does, silently dropping it (rather than writing to a connection with
// no caller reading responses) is the safer failure mode.
func errResponse(respondOK bool, msg string) []byte {
	if !respondOK {
		return nil
	}
	return resp.EncodeError(msg)
}

func (e *Executor) execGet(args [][]byte) []byte {
	if len(args) != 1 {
		return resp.EncodeError("ERR wrong number of arguments for 'get' command")
	}
	v, ok := e.store.Get(string(args[0]))
	if !ok {
		return resp.EncodeNullBulkString()
	}
	return resp.EncodeBulkString(v)
}

func (e *Executor) execInfo(args [][]byte) []byte {
	if len(args) != 1 || !strings.EqualFold(string(args[0]), "replication") {
		return resp.EncodeError("ERR unsupported INFO section")
	}

	body := fmt.Sprintf(
		"role:%s\r\nmaster_replid:%s\r\nmaster_repl_offset:%d",
		e.state.Role(), e.state.MasterReplID(), e.state.MasterReplOffset(),
	)
	return resp.EncodeBulkString([]byte(body))
}

// execPSync implements the primary side of the handshake: the returned
// bytes are +FULLRESYNC immediately followed by the bulk-string-framed
// RDB payload (no trailing CRLF after it), concatenated into one buffer
// so the caller's single write keeps the two parts adjacent on the wire.
// conn is registered as a replica as a side effect.
func (e *Executor) execPSync(conn net.Conn, args [][]byte) ([]byte, *replstate.Replica) {
	if len(args) != 2 {
		return resp.EncodeError("ERR wrong number of arguments for 'psync' command"), nil
	}

	var buf []byte
	buf = append(buf, resp.EncodeSimpleString(fmt.Sprintf("FULLRESYNC %s 0", e.state.MasterReplID()))...)
	buf = append(buf, []byte(fmt.Sprintf("$%d\r\n", len(rdb.EmptySnapshot)))...)
	buf = append(buf, rdb.EmptySnapshot...)

	replica := replstate.NewReplica(conn)
	e.state.AddReplica(replica)
	e.log.WithField("remote_addr", conn.RemoteAddr()).Info("replica registered via PSYNC")

	return buf, replica
}

// Propagate forwards raw (the exact bytes of an executed write command)
// to every currently registered replica, in registration order. The
// replica list is snapshotted under State's lock and then iterated
// outside it, so a slow or dead replica cannot block propagation to the
// others; a write failure to one replica is logged and does not abort
// propagation to the rest.
func (e *Executor) Propagate(raw []byte) {
	for _, r := range e.state.ListReplicas() {
		if err := r.Write(raw); err != nil {
			e.log.WithError(err).WithField("remote_addr", r.Conn.RemoteAddr()).
				Warn("propagation write failed")
		}
	}
}
