// Package apperror defines the stable error taxonomy shared by every core
// component. Numeric codes are wire-compatible and must not be renumbered.
package apperror

// Kind is a stable, wire-compatible error code.
type Kind int

const (
	NoError Kind = iota
	AlreadyDone
	InvalidMessageStructure
	NotLoggedIn
	QueueIdNotFound
	QueueIndexOutOfRange
	QueueItemTypeInvalid
	HashIsNull
	HashIsUnknown
	MaxQueueSizeExceeded
	OperationAlreadyRunning
	DelayOutOfRange
	DatabaseProblem
	ExtensionNotSupported
	ServerTooOld
	NonFatalInternalServerError
	UnknownError
)

var kindNames = map[Kind]string{
	NoError:                     "NoError",
	AlreadyDone:                 "AlreadyDone",
	InvalidMessageStructure:     "InvalidMessageStructure",
	NotLoggedIn:                 "NotLoggedIn",
	QueueIdNotFound:             "QueueIdNotFound",
	QueueIndexOutOfRange:        "QueueIndexOutOfRange",
	QueueItemTypeInvalid:        "QueueItemTypeInvalid",
	HashIsNull:                  "HashIsNull",
	HashIsUnknown:               "HashIsUnknown",
	MaxQueueSizeExceeded:        "MaxQueueSizeExceeded",
	OperationAlreadyRunning:     "OperationAlreadyRunning",
	DelayOutOfRange:             "DelayOutOfRange",
	DatabaseProblem:             "DatabaseProblem",
	ExtensionNotSupported:       "ExtensionNotSupported",
	ServerTooOld:                "ServerTooOld",
	NonFatalInternalServerError: "NonFatalInternalServerError",
	UnknownError:                "UnknownError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UnknownError"
}

// Error is the error type every public component operation returns instead of
// a bare `error`. It carries a stable Kind so callers (including the wire
// protocol layer) can act on it without string matching.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Is reports whether err is an *Error of the given kind. Safe to call with a
// nil err.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae != nil && ae.Kind == kind
}
