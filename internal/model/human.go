// Config values that need more than a string: environment variables are
// expanded before parsing.
package model

import (
	"errors"
	"net"
	"net/url"
	"os"
)

type URL struct {
	*url.URL
}

func (u URL) AsURL() *url.URL {
	return u.URL
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

type TCPAddr struct {
	*net.TCPAddr
}

func (addr *TCPAddr) AsTCPAddr() *net.TCPAddr {
	return addr.TCPAddr
}

// ParseURL expands the environment in s and parses the result.
func ParseURL(s string) (URL, error) {
	var u URL
	err := u.UnmarshalText([]byte(s))
	return u, err
}

// ParseTCPAddr expands the environment in s and resolves the address.
func ParseTCPAddr(s string) (TCPAddr, error) {
	var addr TCPAddr
	err := addr.UnmarshalText([]byte(s))
	return addr, err
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
