package vbucket

import (
	"github.com/pkg/errors"

	"github.com/cb-driver/vbucket/conn"
)

// writeFrame encodes f and writes it to sock in one shot.
func writeFrame(sock *conn.Socket, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	if err := sock.Write(buf); err != nil {
		return errors.Wrap(ErrWire, err.Error())
	}
	return nil
}

// readFrame decodes one frame from sock.
func readFrame(sock *conn.Socket) (*Frame, error) {
	f, err := Decode(sock.Reader())
	if err != nil {
		return nil, err
	}
	return f, nil
}
