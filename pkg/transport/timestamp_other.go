//go:build !linux

package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

var errNoTimestamping = errors.New("transport: socket timestamping requires linux")

func enableTimestamping(*net.UDPConn) error {
	return errNoTimestamping
}

func rxTimestamp([]byte) time.Time {
	return time.Time{}
}

func txTimestamp(*net.UDPConn) (time.Time, error) {
	return time.Time{}, errNoTimestamping
}
