package notify

import (
	"io"
	"net"
	"os"
	"strings"
)

// Writes a single datagram to the notification socket. The socket is
// connectionless, a dial per message keeps this free of shared state.
func notify(path string, r io.Reader) error {
	s := &net.UnixAddr{
		Name: path,
		Net:  "unixgram",
	}
	c, err := net.DialUnix(s.Net, nil, s)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := io.Copy(c, r); err != nil {
		return err
	}
	return nil
}

// Sends the payload when a notification socket is configured. Running
// outside a Type=notify unit leaves NOTIFY_SOCKET unset, which is not an
// error, there is simply nobody listening.
func socketNotify(payload string) error {
	v, ok := os.LookupEnv("NOTIFY_SOCKET")
	if !ok || v == "" {
		return nil
	}
	return notify(v, strings.NewReader(payload))
}

func readiness() error {
	return socketNotify("READY=1")
}
