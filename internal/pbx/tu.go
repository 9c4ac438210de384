package pbx

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// halfCloser is satisfied by *net.TCPConn. Where available we prefer a
// half-shutdown over a hard Close so a client mid-write doesn't see a reset.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// dialOutcome classifies how a dial attempt resolved, for metrics purposes
// only; it has no bearing on the wire protocol.
type dialOutcome int

const (
	dialNoop dialOutcome = iota
	dialRingBack
	dialBusy
	dialErrored
)

// TU is one telephone unit: the state machine behind a single client
// connection. Every field below extension is guarded by mu; extension
// itself is written exactly once, by Registry.Register, before the TU
// becomes reachable by any other goroutine (via the registry's own lock),
// so it may be read afterwards without holding mu.
type TU struct {
	conn      net.Conn
	sessionID string
	logger    *slog.Logger

	extension int

	mu       sync.Mutex
	state    State
	peer     *TU
	refcount int
}

// NewTU creates a telephone unit around conn, holding the one reference
// that belongs to its owning connection goroutine. It is ON_HOOK and
// unregistered until passed to Registry.Register.
func NewTU(conn net.Conn, logger *slog.Logger) *TU {
	id := uuid.NewString()
	return &TU{
		conn:      conn,
		sessionID: id,
		logger:    logger.With("session_id", id),
		state:     OnHook,
		refcount:  1,
	}
}

// Extension returns the TU's assigned extension number, or 0 if it has not
// yet been registered.
func (tu *TU) Extension() int {
	return tu.extension
}

// State returns the TU's current state under its lock.
func (tu *TU) State() State {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	return tu.state
}

// render produces the wire notification line for the TU's current state.
// Callers must hold tu.mu.
func (tu *TU) render() string {
	switch tu.state {
	case OnHook:
		return fmt.Sprintf("ON HOOK %d", tu.extension)
	case Ringing:
		return "RINGING"
	case DialTone:
		return "DIAL TONE"
	case RingBack:
		return "RING BACK"
	case BusySignal:
		return "BUSY SIGNAL"
	case Connected:
		return fmt.Sprintf("CONNECTED %d", tu.peer.Extension())
	case Error:
		return "ERROR"
	default:
		return ""
	}
}

// writeLocked sends line as a CRLF-terminated notification. Callers must
// hold tu.mu. Write failures are logged, never propagated — a client that
// stopped reading its own notifications doesn't get to crash the switch.
func (tu *TU) writeLocked(line string) {
	if _, err := tu.conn.Write([]byte(line + "\r\n")); err != nil {
		tu.logger.Debug("notification write failed", "error", err)
	}
}

// orderByExtension returns a, b in ascending extension order so any two-TU
// operation can acquire both locks in a fixed global order, which is what
// makes concurrent pickup/hangup/dial/chat on a shared peer pair deadlock
// free (see the registry-lock vs two-TU-lock design note).
func orderByExtension(x, y *TU) (*TU, *TU) {
	if y.extension < x.extension {
		return y, x
	}
	return x, y
}

// forceEOF makes any blocked or future Read on the TU's socket return
// immediately. On a connection with half-close support it does so without
// releasing the file descriptor — mirroring the original's
// shutdown(fd, SHUT_RDWR) ahead of the service thread's own close(); any
// other connection is closed outright.
func (tu *TU) forceEOF() {
	if hc, ok := tu.conn.(halfCloser); ok {
		hc.CloseRead()
		hc.CloseWrite()
		return
	}
	tu.conn.Close()
}

// ref increments the TU's reference count. Must be called without tu.mu
// held.
func (tu *TU) ref() {
	tu.mu.Lock()
	tu.refcount++
	tu.mu.Unlock()
}

// unref decrements the TU's reference count and, if it reaches zero,
// closes the underlying connection. Must be called without tu.mu held.
func (tu *TU) unref() {
	tu.mu.Lock()
	tu.refcount--
	n := tu.refcount
	tu.mu.Unlock()
	if n == 0 {
		tu.conn.Close()
		tu.logger.Debug("telephone unit released")
	}
}

// Release drops the reference a TU's owning connection goroutine has held
// since NewTU. Call it exactly once, after the TU has been unregistered
// (or never registered at all).
func (tu *TU) Release() {
	tu.unref()
}

// Pickup implements the PICKUP command (spec transition table, pickup
// column).
func (tu *TU) Pickup() {
	tu.mu.Lock()
	switch tu.state {
	case OnHook:
		tu.state = DialTone
		tu.writeLocked(tu.render())
		tu.mu.Unlock()
	case Ringing:
		peer := tu.peer
		tu.mu.Unlock()

		a, b := orderByExtension(tu, peer)
		a.mu.Lock()
		b.mu.Lock()
		if tu.state == Ringing && tu.peer == peer {
			tu.state = Connected
			peer.state = Connected
			tu.writeLocked(tu.render())
			peer.writeLocked(peer.render())
		} else {
			tu.writeLocked(tu.render())
		}
		b.mu.Unlock()
		a.mu.Unlock()
	default:
		tu.writeLocked(tu.render())
		tu.mu.Unlock()
	}
}

// Hangup implements the HANGUP command (spec transition table, hangup
// column). It is also invoked internally by Registry.Unregister to tear
// down any live pairing before a connection goes away.
func (tu *TU) Hangup() {
	tu.mu.Lock()
	switch tu.state {
	case Connected, Ringing, RingBack:
		peer := tu.peer
		prevState := tu.state
		tu.mu.Unlock()

		a, b := orderByExtension(tu, peer)
		a.mu.Lock()
		b.mu.Lock()
		if tu.peer == peer && tu.state == prevState {
			tu.state = OnHook
			tu.peer = nil
			switch prevState {
			case Connected, Ringing:
				peer.state = DialTone
			case RingBack:
				peer.state = OnHook
			}
			peer.peer = nil
			tu.refcount--
			peer.refcount--
			tu.writeLocked(tu.render())
			peer.writeLocked(peer.render())
		} else {
			tu.writeLocked(tu.render())
		}
		b.mu.Unlock()
		a.mu.Unlock()
	case DialTone, BusySignal, Error:
		tu.state = OnHook
		tu.writeLocked(tu.render())
		tu.mu.Unlock()
	default: // OnHook
		tu.writeLocked(tu.render())
		tu.mu.Unlock()
	}
}

// Chat implements the CHAT command. It only has an effect while CONNECTED;
// otherwise, matching the original, it is a silent no-op with no
// notification written at all. Returns whether a message was actually
// delivered to the peer (used for metrics only).
func (tu *TU) Chat(msg string) bool {
	tu.mu.Lock()
	if tu.state != Connected {
		tu.mu.Unlock()
		return false
	}
	peer := tu.peer
	tu.mu.Unlock()

	a, b := orderByExtension(tu, peer)
	a.mu.Lock()
	b.mu.Lock()
	sent := false
	if tu.state == Connected && tu.peer == peer {
		peer.writeLocked("CHAT " + msg)
		tu.writeLocked(tu.render())
		sent = true
	}
	b.mu.Unlock()
	a.mu.Unlock()
	return sent
}

// dial implements the DIAL command's TU-level half (target resolution is
// the registry's job; see Registry.Dial). target is nil when the dialed
// extension doesn't exist or couldn't be parsed.
func (tu *TU) dial(target *TU) dialOutcome {
	tu.mu.Lock()
	if target == nil {
		if tu.state == DialTone {
			tu.state = Error
			tu.writeLocked(tu.render())
			tu.mu.Unlock()
			return dialErrored
		}
		tu.writeLocked(tu.render())
		tu.mu.Unlock()
		return dialNoop
	}
	if tu == target {
		if tu.state == DialTone {
			tu.state = BusySignal
			tu.writeLocked(tu.render())
			tu.mu.Unlock()
			return dialBusy
		}
		tu.writeLocked(tu.render())
		tu.mu.Unlock()
		return dialNoop
	}
	if tu.state != DialTone {
		tu.writeLocked(tu.render())
		tu.mu.Unlock()
		return dialNoop
	}
	tu.mu.Unlock()

	a, b := orderByExtension(tu, target)
	a.mu.Lock()
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}()

	// Re-validate under both locks: either side may have moved since the
	// locks above were released and reacquired in ascending order.
	if tu.state != DialTone {
		tu.writeLocked(tu.render())
		return dialNoop
	}
	if target.peer != nil || target.state != OnHook {
		tu.state = BusySignal
		tu.writeLocked(tu.render())
		return dialBusy
	}

	tu.peer = target
	target.peer = tu
	tu.refcount++
	target.refcount++
	tu.state = RingBack
	target.state = Ringing
	tu.writeLocked(tu.render())
	target.writeLocked(target.render())
	return dialRingBack
}
