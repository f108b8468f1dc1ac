package sftp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/system"
	"github.com/strongroom/strongroom/vault"
)

//goland:noinspection GoNameStartsWithPackageName
type SFTPServer struct {
	vault    *vault.Vault
	users    []config.SftpUser
	authRate *system.Rate

	BasePath string
	ReadOnly bool
	Listen   string
}

// New returns an SFTP server speaking for the given vault. The username a
// session authenticates as becomes the audit actor for everything done over
// that session.
func New(cfg *config.Configuration, v *vault.Vault) *SFTPServer {
	return &SFTPServer{
		vault:    v,
		users:    cfg.Sftp.Users,
		authRate: system.NewRate(30, time.Minute),
		BasePath: cfg.System.RootDirectory,
		ReadOnly: cfg.Sftp.ReadOnly,
		Listen:   cfg.Sftp.Address + ":" + strconv.Itoa(cfg.Sftp.Port),
	}
}

// Run starts the SFTP server and adds a persistent listener to handle
// inbound SFTP connections.
func (c *SFTPServer) Run() error {
	if _, err := os.Stat(path.Join(c.BasePath, ".sftp/id_rsa")); os.IsNotExist(err) {
		if err := c.generatePrivateKey(); err != nil {
			return err
		}
	} else if err != nil {
		return errors.Wrap(err, "sftp/server: could not stat private key file")
	}
	pb, err := os.ReadFile(path.Join(c.BasePath, ".sftp/id_rsa"))
	if err != nil {
		return errors.Wrap(err, "sftp/server: could not read private key file")
	}
	private, err := ssh.ParsePrivateKey(pb)
	if err != nil {
		return err
	}

	conf := &ssh.ServerConfig{
		NoClientAuth:     false,
		MaxAuthTries:     6,
		PasswordCallback: c.passwordCallback,
	}
	conf.AddHostKey(private)

	listener, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return err
	}

	log.WithField("listen", c.Listen).Info("sftp server listening for connections")
	for {
		conn, err := listener.Accept()
		if err != nil {
			return errors.WithStack(err)
		}
		go func(conn net.Conn) {
			defer conn.Close()
			c.AcceptInbound(conn, conf)
		}(conn)
	}
}

// AcceptInbound handles an inbound connection to the instance and determines
// if we should serve the request or not.
func (c *SFTPServer) AcceptInbound(conn net.Conn, config *ssh.ServerConfig) {
	// Before beginning a handshake must be performed on the incoming net.Conn
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		// If its not a session channel we just move on because its not something we
		// know how to handle at this point.
		if ch.ChannelType() != "session" {
			ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				// Channels have a type that is dependent on the protocol. For SFTP
				// this is "subsystem" with a payload that (should) be "sftp". Discard
				// anything else we receive ("pty", "shell", etc)
				req.Reply(req.Type == "subsystem" && string(req.Payload[4:]) == "sftp", nil)
			}
		}(requests)

		// The authentication callback stores the validated username on the
		// connection permissions. If it is missing something went sideways in
		// that code and the channel gets no handler at all.
		user := sconn.Permissions.Extensions["user"]
		if user == "" {
			continue
		}

		// Spin up a SFTP server instance for the authenticated user allowing
		// them access to the vault's guarded filesystem.
		handler := sftp.NewRequestServer(channel, NewHandler(c.vault, user, c.ReadOnly).Handlers())
		if err := handler.Serve(); err == io.EOF {
			handler.Close()
		}
	}
}

// Generates a private key that will be used by the SFTP server.
func (c *SFTPServer) generatePrivateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(path.Join(c.BasePath, ".sftp"), 0o755); err != nil {
		return errors.Wrap(err, "sftp/server: could not create .sftp directory")
	}
	o, err := os.OpenFile(path.Join(c.BasePath, ".sftp/id_rsa"), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	defer o.Close()

	err = pem.Encode(o, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return errors.WithStack(err)
}

// passwordCallback checks the offered credentials against the static user
// list this instance was configured with. Every comparison is constant time
// and attempts are rate limited across the whole server, a flood of guesses
// slows everyone down instead of leaking timing.
func (c *SFTPServer) passwordCallback(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	logger := log.WithFields(log.Fields{"subsystem": "sftp", "username": conn.User(), "ip": conn.RemoteAddr().String()})

	if !c.authRate.Try() {
		logger.Warn("rejecting credential check, too many authentication attempts")
		return nil, errors.New("sftp/server: authentication attempts throttled")
	}

	for _, u := range c.users {
		// A user with no password configured can never log in, refusing the
		// entry beats matching an empty guess.
		if u.Password == "" {
			continue
		}
		nameMatch := subtle.ConstantTimeCompare([]byte(u.Username), []byte(conn.User())) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(u.Password), pass) == 1
		if nameMatch && passMatch {
			logger.Debug("credentials validated for SFTP connection")
			return &ssh.Permissions{
				Extensions: map[string]string{
					"user": conn.User(),
				},
			}, nil
		}
	}

	logger.Warn("failed to validate user credentials (invalid username or password)")
	return nil, errors.New("sftp/server: invalid credentials")
}
