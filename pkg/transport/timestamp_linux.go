//go:build linux

package transport

import (
	"net"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const timestampingFlags = unix.SOF_TIMESTAMPING_RX_SOFTWARE |
	unix.SOF_TIMESTAMPING_TX_SOFTWARE |
	unix.SOF_TIMESTAMPING_SOFTWARE |
	unix.SOF_TIMESTAMPING_RX_HARDWARE |
	unix.SOF_TIMESTAMPING_TX_HARDWARE |
	unix.SOF_TIMESTAMPING_RAW_HARDWARE |
	unix.SOF_TIMESTAMPING_OPT_TSONLY

// enableTimestamping turns on kernel rx/tx timestamping for the socket.
func enableTimestamping(c *net.UDPConn) error {
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPING, timestampingFlags)
	})
	if err != nil {
		return err
	}
	return serr
}

// rxTimestamp extracts the receive timestamp from the control messages of
// a recvmsg call. Hardware timestamps win over software ones.
func rxTimestamp(oob []byte) time.Time {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SO_TIMESTAMPING {
			continue
		}
		return fromScmTimestamping(m.Data)
	}
	return time.Time{}
}

// txTimestamp reads one entry from the socket error queue and returns its
// transmit timestamp. The queue is FIFO, so this is the oldest timestamp
// not yet read; later entries stay queued.
func txTimestamp(c *net.UDPConn) (time.Time, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return time.Time{}, err
	}
	var (
		ts   time.Time
		serr error
	)
	err = rc.Control(func(fd uintptr) {
		oob := make([]byte, 512)
		var oobn int
		_, oobn, _, _, serr = unix.Recvmsg(int(fd), nil, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if serr != nil {
			return
		}
		ts = rxTimestamp(oob[:oobn])
	})
	if err != nil {
		return time.Time{}, err
	}
	if serr != nil {
		return time.Time{}, errors.Wrap(serr, "read error queue")
	}
	if ts.IsZero() {
		return time.Time{}, errors.New("no tx timestamp available")
	}
	return ts, nil
}

// fromScmTimestamping decodes a struct scm_timestamping: three timespecs,
// [0] software and [2] raw hardware.
func fromScmTimestamping(data []byte) time.Time {
	if len(data) < int(unsafe.Sizeof([3]unix.Timespec{})) {
		return time.Time{}
	}
	tss := (*[3]unix.Timespec)(unsafe.Pointer(&data[0]))
	if hw := tss[2]; hw.Sec != 0 || hw.Nsec != 0 {
		return time.Unix(int64(hw.Sec), int64(hw.Nsec))
	}
	if sw := tss[0]; sw.Sec != 0 || sw.Nsec != 0 {
		return time.Unix(int64(sw.Sec), int64(sw.Nsec))
	}
	return time.Time{}
}
