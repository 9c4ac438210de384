package pbx

// State is one of the states a telephone unit can occupy. ERROR is
// terminal until hangup returns the TU to ON_HOOK.
type State int

const (
	OnHook State = iota
	Ringing
	DialTone
	RingBack
	BusySignal
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case OnHook:
		return "ON_HOOK"
	case Ringing:
		return "RINGING"
	case DialTone:
		return "DIAL_TONE"
	case RingBack:
		return "RING_BACK"
	case BusySignal:
		return "BUSY_SIGNAL"
	case Connected:
		return "CONNECTED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
