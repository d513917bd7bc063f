package connect

import (
	"errors"
	"fmt"
)

var ErrHandshakeAuthRequired = errors.New("Handshake requires authorization and no credential or authenticate delegate is available.")
var ErrMissingCapability = errors.New("Delegate does not implement a required callback.")
var ErrNotReady = errors.New("Connection handshake is not complete.")
var ErrNotConnected = errors.New("Connection is not connected.")
var ErrTransportClosed = errors.New("Transport closed.")

type InvalidUrlError struct {
	Url string
}

func (self *InvalidUrlError) Error() string {
	if self.Url == "" {
		return "Invalid url: empty."
	}
	return fmt.Sprintf("Invalid url: %s", self.Url)
}

// a server message that could not be parsed
// the connection stays up
type MalformedMessageError struct {
	Message string
	Err     error
}

func (self *MalformedMessageError) Error() string {
	message := self.Message
	if 64 < len(message) {
		message = message[:64] + "..."
	}
	return fmt.Sprintf("Malformed message (%q): %s", message, self.Err)
}

func (self *MalformedMessageError) Unwrap() error {
	return self.Err
}

type TransportError struct {
	Err error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("Transport error: %s", self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}
