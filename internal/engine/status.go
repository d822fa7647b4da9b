package engine

import (
	"errors"

	"bdevxfer/internal/blkclient"
)

// Closed set surfaced to pollers. Everything except InProg is terminal.
type Status int8

const (
	Success 	Status = iota
	InProg 			// in-flight sentinel, not a failure
	InvalidParam
	NotFound
	BackendErr
)

func (s Status) String() string {
	switch s {
	case Success: 		return "SUCCESS"
	case InProg: 		return "IN_PROG"
	case InvalidParam: 	return "INVALID_PARAM"
	case NotFound: 		return "NOT_FOUND"
	default: 			return "BACKEND_ERR"
	}
}

func (s Status) Terminal() bool {
	return s != InProg
}

// Synchronous-path errors (prepare/register) - structural problems are always
// reported here, never discovered later by polling.
var (
	ErrInvalidParam = errors.New("invalid transfer params")
	ErrNotFound 	= errors.New("bdev has no open handle")
	ErrNotSupported = errors.New("memory class not supported")
	ErrBackend 		= errors.New("block client error")
)

func connToErr(rv blkclient.ConnRv) error {
	switch rv {
	case blkclient.ConnOk: 			return nil
	case blkclient.ConnNoDevice: 	return ErrNotFound
	case blkclient.ConnWrongArgs: 	return ErrInvalidParam
	default: 						return ErrBackend
	}
}

// Any client code we dont recognize is a backend error - the caller of this
// maps pollable io state, so it also passes InTransfer through.
func ioToStatus(e blkclient.IoErr) Status {
	switch e {
	case blkclient.IoOk: 			return Success
	case blkclient.IoInTransfer: 	return InProg
	case blkclient.IoInvalParams: 	return InvalidParam
	default: 						return BackendErr
	}
}
