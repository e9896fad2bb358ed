package transport

import "errors"

var (
	errNotConnected   = errors.New("no ide agent connected")
	errSendBufferFull = errors.New("connector send buffer full")
)

func errAgentError(msg string) error {
	return errors.New(msg)
}
