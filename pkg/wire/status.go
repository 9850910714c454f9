package wire

// Status is the result code carried on a response frame. Values mirror the
// completion codes of the emulated USB stack: zero is success, negative
// values are failures or flow-control states.
type Status int32

// Transfer status codes.
const (
	StatusSuccess         Status = 0  // transfer completed
	StatusNoDev           Status = -1 // device not present
	StatusNAK             Status = -2 // device not ready, retry later
	StatusStall           Status = -3 // endpoint halted
	StatusBabble          Status = -4 // device sent more data than requested
	StatusIOError         Status = -5 // hard transfer failure
	StatusAsync           Status = -6 // completion will arrive later
	StatusAddToQueue      Status = -7 // host should queue the transfer
	StatusRemoveFromQueue Status = -8 // host should unlink the transfer
)

// Token PIDs identifying transfer direction on the bus.
const (
	TokenSetup uint8 = 0x2d
	TokenIn    uint8 = 0x69
	TokenOut   uint8 = 0xe1
)

// Terminal reports whether the status ends the transfer: neither an async
// placeholder nor a NAK the host may retry.
func (s Status) Terminal() bool {
	return s != StatusAsync && s != StatusNAK
}

// String returns a human-readable status name for logging.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoDev:
		return "nodev"
	case StatusNAK:
		return "nak"
	case StatusStall:
		return "stall"
	case StatusBabble:
		return "babble"
	case StatusIOError:
		return "ioerror"
	case StatusAsync:
		return "async"
	case StatusAddToQueue:
		return "add-to-queue"
	case StatusRemoveFromQueue:
		return "remove-from-queue"
	default:
		return "invalid"
	}
}

// TokenName returns a human-readable PID name for logging.
func TokenName(pid uint8) string {
	switch pid {
	case TokenSetup:
		return "setup"
	case TokenIn:
		return "in"
	case TokenOut:
		return "out"
	default:
		return "unknown"
	}
}
