package sshtest

import (
	"errors"
	"io"
	"strconv"
)

var errUnknownKey = errors.New("unknown public key")

func itoa(n int) string { return strconv.Itoa(n) }

// ReadAll drains the session's stdin until the client closes it.
func ReadAll(s *Session) []byte {
	data, _ := io.ReadAll(s)
	return data
}
