// human readable and writable stdlib types
// which can be used inside preferences file
package model

import (
	"errors"
	"net"
	"os"
)

type TCPAddr struct {
	*net.TCPAddr
}

func (addr *TCPAddr) AsTCPAddr() *net.TCPAddr {
	return addr.TCPAddr
}

func (addr *TCPAddr) UnmarshalText(text []byte) error {
	if addr == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	expanded := os.ExpandEnv(string(text))
	parsed, err := net.ResolveTCPAddr("tcp", expanded)
	if err != nil {
		return err
	}
	addr.TCPAddr = parsed
	return nil
}

func (addr TCPAddr) MarshalText() ([]byte, error) {
	if addr.TCPAddr == nil {
		return []byte{}, nil
	}
	return []byte(addr.String()), nil
}
