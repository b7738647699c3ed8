// Package protoerr implements the wire-level error taxonomy carried in
// result messages. It is distinct from internal/errors: these codes
// serialize to the wire and describe domain/capability/auth outcomes, while
// internal/errors wraps Go-level transport failures.
package protoerr

// Code is the wire representation of a result outcome.
type Code uint16

const (
	NoError Code = iota
	// AlreadyDone is treated as a success outcome at the wire level (see
	// the open-question decision recorded for this module): handlers
	// complete their future successfully rather than treating it as an
	// unrecognized error.
	AlreadyDone
	NotLoggedIn
	AlreadyLoggedIn
	QueueIdNotFound
	InvalidHash
	InvalidQueueIndex
	InvalidQueueItemType
	InvalidTimeSpan
	InvalidUserId
	InvalidUserAccountName
	UserAccountAlreadyExists
	UserLoginAuthenticationFailed
	MaximumQueueSizeExceeded
	OperationAlreadyRunning
	ServerTooOld
	ExtensionNotSupported
	DatabaseProblem
	NonFatalInternalServerError
	UnknownAction
	InvalidMessageStructure
	ConnectionToServerBroken
	UnknownError
)

var names = map[Code]string{
	NoError:                       "NoError",
	AlreadyDone:                   "AlreadyDone",
	NotLoggedIn:                   "NotLoggedIn",
	AlreadyLoggedIn:               "AlreadyLoggedIn",
	QueueIdNotFound:               "QueueIdNotFound",
	InvalidHash:                   "InvalidHash",
	InvalidQueueIndex:             "InvalidQueueIndex",
	InvalidQueueItemType:          "InvalidQueueItemType",
	InvalidTimeSpan:               "InvalidTimeSpan",
	InvalidUserId:                 "InvalidUserId",
	InvalidUserAccountName:        "InvalidUserAccountName",
	UserAccountAlreadyExists:      "UserAccountAlreadyExists",
	UserLoginAuthenticationFailed: "UserLoginAuthenticationFailed",
	MaximumQueueSizeExceeded:      "MaximumQueueSizeExceeded",
	OperationAlreadyRunning:       "OperationAlreadyRunning",
	ServerTooOld:                  "ServerTooOld",
	ExtensionNotSupported:         "ExtensionNotSupported",
	DatabaseProblem:               "DatabaseProblem",
	NonFatalInternalServerError:   "NonFatalInternalServerError",
	UnknownAction:                 "UnknownAction",
	InvalidMessageStructure:       "InvalidMessageStructure",
	ConnectionToServerBroken:      "ConnectionToServerBroken",
	UnknownError:                  "UnknownError",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "UnknownError"
}

// IsSuccess reports whether c represents a successful outcome (NoError or,
// per the documented open-question decision, AlreadyDone).
func (c Code) IsSuccess() bool {
	return c == NoError || c == AlreadyDone
}

// Axis classifies c along the error taxonomy of the error handling design:
// structural, capability, domain, transient, auth, or fatal-to-connection.
type Axis int

const (
	AxisNone Axis = iota
	AxisStructural
	AxisCapability
	AxisDomain
	AxisTransient
	AxisAuth
	AxisFatal
)

func (c Code) Axis() Axis {
	switch c {
	case NoError, AlreadyDone:
		return AxisNone
	case InvalidMessageStructure:
		return AxisStructural
	case ServerTooOld, ExtensionNotSupported:
		return AxisCapability
	case QueueIdNotFound, InvalidHash, InvalidQueueIndex, InvalidQueueItemType,
		InvalidTimeSpan, InvalidUserId, MaximumQueueSizeExceeded, OperationAlreadyRunning,
		UnknownAction:
		return AxisDomain
	case DatabaseProblem, NonFatalInternalServerError:
		return AxisTransient
	case NotLoggedIn, AlreadyLoggedIn, UserLoginAuthenticationFailed,
		InvalidUserAccountName, UserAccountAlreadyExists:
		return AxisAuth
	case ConnectionToServerBroken:
		return AxisFatal
	default:
		return AxisNone
	}
}
