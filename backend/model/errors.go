package model

import "errors"

// Code is the closed set of machine-readable rejection codes delivered to
// the requesting connection. Peers are never notified of another socket's
// rejected action.
type Code string

const (
	CodeRoomNotFound     Code = "RoomNotFound"
	CodeInvalidCode      Code = "InvalidCode"
	CodeRoomFull         Code = "RoomFull"
	CodeNotYourTurn      Code = "NotYourTurn"
	CodeNotHost          Code = "NotHost"
	CodeStoreUnavailable Code = "StoreUnavailable"
	CodeInvalidAction    Code = "InvalidAction"
)

type Coded struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Coded) Error() string {
	return string(e.Code) + ": " + e.Message
}

func NewCoded(code Code, message string) *Coded {
	return &Coded{Code: code, Message: message}
}

// CodeOf extracts the rejection code from an error chain, defaulting to
// InvalidAction for uncoded errors.
func CodeOf(err error) Code {
	var coded *Coded
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInvalidAction
}
