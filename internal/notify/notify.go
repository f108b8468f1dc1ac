// Package notify reports the daemon's lifecycle to the service manager.
//
// On Linux this speaks the systemd notification protocol through the socket
// named by the NOTIFY_SOCKET environment variable, so Type=notify units wait
// until the listeners are actually up. Everywhere else the call is a no-op.
package notify

// Readiness signals that the daemon has finished booting and is serving.
func Readiness() error {
	return readiness()
}
