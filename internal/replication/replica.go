// Package replication drives the replica side of the handshake described
// in spec.md §4.E: dial a primary, exchange PING/REPLCONF/PSYNC, discard
// the fixed RDB payload, then keep decoding frames from that connection
// and apply each propagated write through command.Executor.ApplyReplicated,
// which writes no response back to the primary.
package replication

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"redisd/internal/command"
	"redisd/internal/replstate"
	"redisd/internal/resp"
)

// HandshakeState is the replica's position in the handshake state machine
// (spec.md §4.E "State machine (replica handshake)"). Any unexpected
// response transitions to StateFailed and aborts the replica role; the
// server keeps answering clients but never replicates.
type HandshakeState int

const (
	StateNotStarted HandshakeState = iota
	StatePingSent
	StateReplconfPortSent
	StateReplconfCapaSent
	StatePsyncSent
	StateRDBReceiving
	StateLive
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StatePingSent:
		return "PING_SENT"
	case StateReplconfPortSent:
		return "REPLCONF_PORT_SENT"
	case StateReplconfCapaSent:
		return "REPLCONF_CAPA_SENT"
	case StatePsyncSent:
		return "PSYNC_SENT"
	case StateRDBReceiving:
		return "RDB_RECEIVING"
	case StateLive:
		return "LIVE"
	default:
		return "FAILED"
	}
}

// Run dials the primary at host:port, performs the replica handshake, and
// then services the resulting connection as an ordinary command stream
// until it closes. It blocks for the lifetime of the connection, so
// callers that want a non-blocking startup run it in its own goroutine.
func Run(host string, port uint16, state *replstate.State, exec *command.Executor, log *logrus.Entry) error {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		log.WithField("state", StateFailed).WithError(err).Error("failed to connect to primary")
		return fmt.Errorf("replication: dial primary %s: %w", addr, err)
	}

	// r is created once here and carried into serveCommandStream: a
	// bufio.Reader's fill() does one underlying Read per call and keeps
	// whatever extra bytes came back past whatever it was asked for, so
	// on a fast connection the first propagated write can already be
	// sitting in r's buffer by the time the handshake finishes. Starting
	// serveCommandStream on a separate, empty-buffered conn.Read loop
	// would silently drop those bytes.
	r := bufio.NewReader(conn)

	if err := handshake(conn, r, state, log); err != nil {
		conn.Close()
		return err
	}

	return serveCommandStream(conn, r, exec, log)
}

// handshake performs the five-step exchange in spec.md §4.E and leaves
// state's master_replid/master_repl_offset set from the primary's
// FULLRESYNC reply. The RDB payload that follows is read and discarded;
// this server never parses RDB contents.
func handshake(conn net.Conn, r *bufio.Reader, state *replstate.State, log *logrus.Entry) error {
	w := bufio.NewWriter(conn)

	fail := func(st HandshakeState, step string, err error) error {
		log.WithField("state", st).WithError(err).Error("replica handshake failed at " + step)
		return fmt.Errorf("replication: handshake failed at %s: %w", step, err)
	}

	if _, err := w.Write(resp.EncodeArray([][]byte{[]byte("PING")})); err != nil {
		return fail(StatePingSent, "PING", err)
	}
	w.Flush()
	if err := expectSimpleString(r, "PONG"); err != nil {
		return fail(StatePingSent, "PING", err)
	}

	portStr := strconv.Itoa(int(state.Port()))
	replconfPort := resp.EncodeArray([][]byte{[]byte("REPLCONF"), []byte("listening-port"), []byte(portStr)})
	if _, err := w.Write(replconfPort); err != nil {
		return fail(StateReplconfPortSent, "REPLCONF listening-port", err)
	}
	w.Flush()
	if err := expectSimpleString(r, "OK"); err != nil {
		return fail(StateReplconfPortSent, "REPLCONF listening-port", err)
	}

	replconfCapa := resp.EncodeArray([][]byte{[]byte("REPLCONF"), []byte("capa"), []byte("psync2")})
	if _, err := w.Write(replconfCapa); err != nil {
		return fail(StateReplconfCapaSent, "REPLCONF capa psync2", err)
	}
	w.Flush()
	if err := expectSimpleString(r, "OK"); err != nil {
		return fail(StateReplconfCapaSent, "REPLCONF capa psync2", err)
	}

	psync := resp.EncodeArray([][]byte{[]byte("PSYNC"), []byte("?"), []byte("-1")})
	if _, err := w.Write(psync); err != nil {
		return fail(StatePsyncSent, "PSYNC", err)
	}
	w.Flush()

	line, err := r.ReadString('\n')
	if err != nil {
		return fail(StatePsyncSent, "PSYNC", err)
	}
	replID, offset, err := parseFullResync(line)
	if err != nil {
		return fail(StatePsyncSent, "PSYNC", err)
	}

	if err := discardRDBPayload(r); err != nil {
		return fail(StateRDBReceiving, "RDB payload", err)
	}

	state.SetMasterReplID(replID)
	state.SetMasterReplOffset(offset)
	log.WithField("state", StateLive).WithField("master_replid", replID).Info("replica handshake complete")
	return nil
}

func expectSimpleString(r *bufio.Reader, want string) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	line = trimCRLF(line)
	if len(line) < 2 || line[0] != '+' || line[1:] != want {
		return fmt.Errorf("expected +%s, got %q", want, line)
	}
	return nil
}

// parseFullResync parses "+FULLRESYNC <replid> <offset>\r\n".
func parseFullResync(line string) (replID string, offset uint64, err error) {
	line = trimCRLF(line)
	var off uint64
	n, scanErr := fmt.Sscanf(line, "+FULLRESYNC %s %d", &replID, &off)
	if scanErr != nil || n != 2 {
		return "", 0, fmt.Errorf("malformed FULLRESYNC reply %q", line)
	}
	return replID, off, nil
}

func trimCRLF(s string) string {
	return string(bytes.TrimRight([]byte(s), "\r\n"))
}

// discardRDBPayload consumes the bulk-string-framed RDB blob ("$<N>\r\n"
// followed by exactly N bytes, with no trailing CRLF) without attempting
// to interpret it: RDB contents are out of scope for this server.
func discardRDBPayload(r *bufio.Reader) error {
	header, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	header = trimCRLF(header)
	if len(header) == 0 || header[0] != '$' {
		return fmt.Errorf("expected RDB bulk header, got %q", header)
	}
	n, err := strconv.Atoi(header[1:])
	if err != nil || n < 0 {
		return fmt.Errorf("malformed RDB bulk length %q", header)
	}
	_, err = io.CopyN(io.Discard, r, int64(n))
	return err
}

// serveCommandStream treats conn, once the handshake completes, as an
// inbound stream of RESP frames to be applied via exec.ApplyReplicated:
// spec.md §4.D requires these writes produce no response and trigger no
// further propagation. Any framing error or EOF ends replication.
//
// r is the same bufio.Reader the handshake read PING/REPLCONF/PSYNC
// replies and the RDB payload from. Any bytes it already buffered past
// the RDB payload (a propagated write that arrived in the same TCP
// segment) are drained into buf up front so they aren't lost; every
// subsequent read goes through r too, not a bare conn.Read, so the same
// can never happen again mid-stream.
func serveCommandStream(conn net.Conn, r *bufio.Reader, exec *command.Executor, log *logrus.Entry) error {
	defer conn.Close()

	var buf []byte
	if buffered := r.Buffered(); buffered > 0 {
		pending, err := r.Peek(buffered)
		if err != nil {
			return err
		}
		buf = append(buf, pending...)
		r.Discard(buffered)
	}

	readBuf := make([]byte, 4096)
	for {
		frame, consumed, err := resp.Decode(buf)
		switch err {
		case nil:
			buf = buf[consumed:]
			exec.ApplyReplicated(frame)
			continue
		case resp.ErrIncomplete:
			// fall through to read more
		default:
			log.WithError(err).Error("replication stream framing error")
			return err
		}

		n, err := r.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				log.Info("replication stream closed by primary")
				return nil
			}
			log.WithError(err).Error("replication stream read error")
			return err
		}
	}
}
