// human readable and writable stdlib types
// which can be used inside config file or on a command line
package model

import (
	"errors"
	"net"
	"net/url"
	"os"
	"strings"
)

// URL is a server base url: a scheme and a host, without a path.
type URL struct {
	*url.URL
}

func ParseURL(s string) (URL, error) {
	var u URL
	err := u.UnmarshalText([]byte(s))
	return u, err
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
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if parsed.Scheme == "" || parsed.Host == "" || parsed.Path != "" {
		return errors.New("please define the server url with a scheme and without path, e.g. `http://localhost:8080`")
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
