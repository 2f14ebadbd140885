package fork

import (
	"errors"
	"fmt"
	"syscall"
)

// ForkKind is the cause of a ForkError.
type ForkKind int8

const (
	// ForkOther is any failure that is not one of the errno causes below, such as an unregistered
	// role or a missing executable.
	ForkOther ForkKind = 0
	// ForkEAGAIN indicates the process limit was reached.
	ForkEAGAIN ForkKind = 1
	// ForkENOMEM indicates there was not enough memory to start the child.
	ForkENOMEM ForkKind = 2
	// ForkEPERM indicates the child could not take on the requested credentials.
	ForkEPERM ForkKind = 3
)

func (k ForkKind) String() string {
	switch k {
	case ForkOther:
		return "other"
	case ForkEAGAIN:
		return "EAGAIN"
	case ForkENOMEM:
		return "ENOMEM"
	case ForkEPERM:
		return "EPERM"
	}
	return fmt.Sprintf("ForkKind(%d)", int8(k))
}

// ForkError is returned by WithCreds when the child could not be started. The child never ran
// any of our code.
type ForkError struct {
	Kind ForkKind
	Err  error
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("connected fork failed (%s): %s", e.Kind, e.Err)
}

func (e *ForkError) Unwrap() error {
	return e.Err
}

func forkErrorf(err error) *ForkError {
	kind := ForkOther
	switch {
	case errors.Is(err, syscall.EAGAIN):
		kind = ForkEAGAIN
	case errors.Is(err, syscall.ENOMEM):
		kind = ForkENOMEM
	case errors.Is(err, syscall.EPERM):
		kind = ForkEPERM
	}
	return &ForkError{Kind: kind, Err: err}
}

// PipeOpenKind is the cause of a PipeOpenError.
type PipeOpenKind int8

const (
	PipeEMFILE PipeOpenKind = 1
	PipeENFILE PipeOpenKind = 2
	PipeEFAULT PipeOpenKind = 3
)

func (k PipeOpenKind) String() string {
	switch k {
	case PipeEMFILE:
		return "EMFILE"
	case PipeENFILE:
		return "ENFILE"
	case PipeEFAULT:
		return "EFAULT"
	}
	return fmt.Sprintf("PipeOpenKind(%d)", int8(k))
}

// PipeOpenError is returned by WithCreds when the channel between parent and child could not
// be created.
type PipeOpenError struct {
	Kind PipeOpenKind
	Err  error
}

func (e *PipeOpenError) Error() string {
	return fmt.Sprintf("could not open fork channel (%s): %s", e.Kind, e.Err)
}

func (e *PipeOpenError) Unwrap() error {
	return e.Err
}

func pipeOpenErrorf(err error) *PipeOpenError {
	kind := PipeEFAULT
	switch {
	case errors.Is(err, syscall.EMFILE):
		kind = PipeEMFILE
	case errors.Is(err, syscall.ENFILE):
		kind = PipeENFILE
	}
	return &PipeOpenError{Kind: kind, Err: err}
}

// SendFdKind is the cause of a SendFdError.
type SendFdKind int8

const (
	SendEAGAIN SendFdKind = 1
	SendEBADF  SendFdKind = 2
	SendEINVAL SendFdKind = 3
	// SendENXIO indicates the other end of the channel has hung up.
	SendENXIO SendFdKind = 4
)

func (k SendFdKind) String() string {
	switch k {
	case SendEAGAIN:
		return "EAGAIN"
	case SendEBADF:
		return "EBADF"
	case SendEINVAL:
		return "EINVAL"
	case SendENXIO:
		return "ENXIO"
	}
	return fmt.Sprintf("SendFdKind(%d)", int8(k))
}

// SendFdError is returned by Endpoint.SendFD.
type SendFdError struct {
	Kind SendFdKind
	Err  error
}

func (e *SendFdError) Error() string {
	return fmt.Sprintf("could not send descriptor (%s): %s", e.Kind, e.Err)
}

func (e *SendFdError) Unwrap() error {
	return e.Err
}

func sendFdErrorf(err error) *SendFdError {
	kind := SendEINVAL
	switch {
	case errors.Is(err, syscall.EAGAIN):
		kind = SendEAGAIN
	case errors.Is(err, syscall.EBADF):
		kind = SendEBADF
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ENOTCONN):
		kind = SendENXIO
	}
	return &SendFdError{Kind: kind, Err: err}
}

// RecvFdKind is the cause of a RecvFdError.
type RecvFdKind int8

const (
	RecvEAGAIN RecvFdKind = 1
	// RecvEBADMSG indicates a message arrived that did not carry a descriptor.
	RecvEBADMSG RecvFdKind = 2
	RecvEFAULT  RecvFdKind = 3
	// RecvEMFILE indicates the descriptor could not be installed in this process.
	RecvEMFILE RecvFdKind = 4
	// RecvENXIO indicates the other end of the channel has hung up.
	RecvENXIO RecvFdKind = 5
	// RecvEOVERFLOW indicates more than one descriptor arrived in a single message.
	RecvEOVERFLOW RecvFdKind = 6
	// RecvEBADF indicates this end of the channel is closed.
	RecvEBADF  RecvFdKind = 7
	RecvEINVAL RecvFdKind = 8
)

func (k RecvFdKind) String() string {
	switch k {
	case RecvEAGAIN:
		return "EAGAIN"
	case RecvEBADMSG:
		return "EBADMSG"
	case RecvEFAULT:
		return "EFAULT"
	case RecvEMFILE:
		return "EMFILE"
	case RecvENXIO:
		return "ENXIO"
	case RecvEOVERFLOW:
		return "EOVERFLOW"
	case RecvEBADF:
		return "EBADF"
	case RecvEINVAL:
		return "EINVAL"
	}
	return fmt.Sprintf("RecvFdKind(%d)", int8(k))
}

// RecvFdError is returned by Endpoint.RecvFD.
type RecvFdError struct {
	Kind RecvFdKind
	Err  error
}

func (e *RecvFdError) Error() string {
	return fmt.Sprintf("could not receive descriptor (%s): %s", e.Kind, e.Err)
}

func (e *RecvFdError) Unwrap() error {
	return e.Err
}
