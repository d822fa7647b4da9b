package blkclient

// Return codes of the client surface. These mirror the native contract and are
// a closed set - callers map them, they never leak raw errnos.

type ConnRv int32

const (
	ConnOk 			ConnRv = iota
	ConnNoDevice 		// devId has no definition / is not connected
	ConnWrongArgs
	ConnBackendErr
)

func (rv ConnRv) String() string {
	switch rv {
	case ConnOk: 			return "OK"
	case ConnNoDevice: 		return "NO_DEVICE"
	case ConnWrongArgs: 	return "WRONG_ARGUMENTS"
	default: 				return "BACKEND_ERROR"
	}
}

// Io path codes. InTransfer is the in-flight sentinel, not a failure.
type IoErr int32

const (
	IoOk 			IoErr = iota
	IoInTransfer
	IoInvalParams
	IoBackendErr
)

func (e IoErr) String() string {
	switch e {
	case IoOk: 				return "OK"
	case IoInTransfer: 		return "IN_TRANSFER"
	case IoInvalParams: 	return "INVAL_PARAMS"
	default: 				return "BACKEND_ERROR"
	}
}

type OpCode uint16

const (
	OpNop 	OpCode = iota
	OpWrite
	OpRead
)

func (o OpCode) String() string {
	switch o {
	case OpWrite: 	return "W"
	case OpRead: 	return "R"
	default: 		return "N"
	}
}
