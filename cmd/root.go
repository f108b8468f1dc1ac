package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/internal/cron"
	"github.com/strongroom/strongroom/internal/database"
	"github.com/strongroom/strongroom/internal/notify"
	"github.com/strongroom/strongroom/loggers/cli"
	"github.com/strongroom/strongroom/router"
	"github.com/strongroom/strongroom/sftp"
	"github.com/strongroom/strongroom/storage/filesystem"
	"github.com/strongroom/strongroom/system"
	"github.com/strongroom/strongroom/vault"
)

var (
	configPath      = config.DefaultLocation
	debug           = false
	useAutomaticTls = false
	tlsHostname     = ""
	showVersion     = false
)

var root = &cobra.Command{
	Use:   "strongroom",
	Short: "Runs the guarded file storage daemon.",
	Long:  ``,
	PreRun: func(cmd *cobra.Command, args []string) {
		if useAutomaticTls && len(tlsHostname) == 0 {
			fmt.Println("A TLS hostname must be provided when running strongroom with automatic TLS, e.g.:\n\n    ./strongroom --auto-tls --tls-hostname vault.example.com")
			os.Exit(1)
		}
	},
	Run: rootCmdRun,
}

func init() {
	root.PersistentFlags().BoolVar(&showVersion, "version", false, "show the version and exit")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run the daemon in debug mode")
	root.PersistentFlags().BoolVar(&useAutomaticTls, "auto-tls", false, "pass in order to have the daemon generate and manage its own SSL certificates using Let's Encrypt")
	root.PersistentFlags().StringVar(&tlsHostname, "tls-hostname", "", "required with --auto-tls, the FQDN for the generated SSL certificate")

	root.AddCommand(configureCmd)
	root.AddCommand(newDiagnosticsCommand())
	root.AddCommand(newLocksCommand())
}

// Resolves the configuration path provided on the command line and loads the
// file it points at. Relative paths are resolved against the working
// directory so "./config.yml" behaves the way a shell user expects.
func readConfiguration() (*config.Configuration, error) {
	p := configPath
	if !strings.HasPrefix(p, "/") {
		d, err := os.Getwd()
		if err != nil {
			return nil, err
		}

		p = path.Clean(path.Join(d, configPath))
	}

	if s, err := os.Stat(p); err != nil {
		return nil, err
	} else if s.IsDir() {
		return nil, errors.New("cannot use directory as configuration file path")
	}

	return config.FromFile(p)
}

func rootCmdRun(*cobra.Command, []string) {
	if showVersion {
		fmt.Println(system.Version)
		os.Exit(0)
	}

	// Only attempt configuration file relocation if a custom location has not
	// been specified in the command startup.
	if configPath == config.DefaultLocation {
		if err := RelocateConfiguration(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				exitWithConfigurationNotice()
			}

			panic(err)
		}
	}

	c, err := readConfiguration()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			exitWithConfigurationNotice()
		}

		panic(err)
	}

	if debug {
		c.Debug = true
	}

	printLogo()
	if err := configureLogging(c.System.LogDirectory, c.Debug); err != nil {
		panic(err)
	}

	log.WithField("path", c.Path()).Info("loading configuration from path")
	if c.Debug {
		log.Debug("running in debug mode")
	}

	for _, dir := range []string{c.System.RootDirectory, c.Storage.RootDirectory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithFields(log.Fields{"directory": dir, "error": err}).Fatal("failed to create system directory")
			return
		}
	}

	// Write the configuration back to disk so that defaults filled in for
	// fields missing from the file survive into the next boot.
	if err := c.WriteToDisk(); err != nil {
		log.WithField("error", err).Error("failed to save configuration to disk")
	}

	db, err := database.Open(c.DatabasePath())
	if err != nil {
		log.WithField("error", err).Fatal("failed to open the audit database")
		return
	}

	fs, err := filesystem.New(c.Storage, c.Locks)
	if err != nil {
		log.WithField("error", err).Fatal("failed to initialize the storage root")
		return
	}

	v := vault.New(fs, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler, err := cron.Scheduler(ctx, c, db)
	if err != nil {
		log.WithField("error", err).Fatal("failed to configure the maintenance scheduler")
		return
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	// Run the SFTP server in the background. A failed listener takes the
	// whole daemon down rather than leaving a silently dead transport.
	go func() {
		if err := sftp.New(c, v).Run(); err != nil {
			log.WithError(err).Fatal("failed to initialize the sftp server")
		}
	}()

	log.WithFields(log.Fields{
		"use_ssl":      c.Api.Ssl.Enabled,
		"use_auto_tls": useAutomaticTls && len(tlsHostname) > 0,
		"host_address": c.Api.Host,
		"host_port":    c.Api.Port,
	}).Info("configuring internal webserver")

	r := router.Configure(c, v)

	// Let the service manager know the daemon is up. The HTTP listener is
	// the only piece still starting and it follows immediately.
	if err := notify.Readiness(); err != nil {
		log.WithField("error", err).Warn("failed to notify the service manager of readiness")
	}

	s := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", c.Api.Host, c.Api.Port),
		Handler: r,

		TLSConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			// @see https://blog.cloudflare.com/exposing-go-on-the-internet
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			},
			PreferServerCipherSuites: true,
			MinVersion:               tls.VersionTLS12,
			MaxVersion:               tls.VersionTLS13,
			CurvePreferences:         []tls.CurveID{tls.X25519, tls.CurveP256},
		},
	}

	// Check if the server should run with TLS but using autocert.
	if useAutomaticTls && len(tlsHostname) > 0 {
		m := autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(path.Join(c.System.RootDirectory, "/.tls-cache")),
			HostPolicy: autocert.HostWhitelist(tlsHostname),
		}

		log.WithField("hostname", tlsHostname).
			Info("webserver is now listening with auto-TLS enabled; certificates will be automatically generated by Let's Encrypt")

		// Hook autocert into the main http server.
		s.TLSConfig.GetCertificate = m.GetCertificate
		s.TLSConfig.NextProtos = append(s.TLSConfig.NextProtos, acme.ALPNProto) // enable tls-alpn ACME challenges

		// Start the autocert server.
		go func() {
			if err := http.ListenAndServe(":http", m.HTTPHandler(nil)); err != nil {
				log.WithError(err).Error("failed to serve autocert http server")
			}
		}()

		// Start the main http server with TLS using autocert.
		if err := s.ListenAndServeTLS("", ""); err != nil {
			log.WithFields(log.Fields{"auto_tls": true, "tls_hostname": tlsHostname, "error": err}).
				Fatal("failed to configure HTTP server using auto-tls")
		}

		return
	}

	// Check if main http server should run with TLS.
	if c.Api.Ssl.Enabled {
		if err := s.ListenAndServeTLS(strings.ToLower(c.Api.Ssl.CertificateFile), strings.ToLower(c.Api.Ssl.KeyFile)); err != nil {
			log.WithFields(log.Fields{"auto_tls": false, "error": err}).Fatal("failed to configure HTTPS server")
		}
		return
	}

	// Run the main http server without TLS.
	s.TLSConfig = nil
	if err := s.ListenAndServe(); err != nil {
		log.WithField("error", err).Fatal("failed to configure HTTP server")
	}
}

// Execute calls cobra to handle cli commands.
func Execute() error {
	return root.Execute()
}

// Configures the global logger so every package can log through apex without
// carrying a logger instance around. Output goes both to the terminal and to
// a rotated file under the configured log directory.
func configureLogging(logDir string, debug bool) error {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}

	p := filepath.Join(logDir, "strongroom.log")
	w, err := logrotate.NewFile(p)
	if err != nil {
		panic(errors.WithMessage(err, "failed to open process log file"))
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	log.SetHandler(multi.New(
		cli.Default,
		cli.New(w.File, false),
	))

	log.WithField("path", p).Info("writing log files to disk")

	return nil
}

// Prints the strongroom logo, nothing special here!
func printLogo() {
	fmt.Printf(colorstring.Color(`
                        _____
__ [blue][bold]Strongroom[reset] ________/ ____/________________  ____  ____
\_____\    \/\/    /  /\__ \/  __/  ___/ __  / __ \/ __ \
   \___\          /  /___/ /  /_/  /  / /_/ / /_/ / / / /
        \___/\___/__/_____/\___/__/  \____/\____/_/ /_/
                                      [bold]v%s[reset]

A guarded file store: contained paths, cross-process locks and a
durable audit trail for every operation.

Source:  https://github.com/strongroom/strongroom%s`), system.Version, "\n\n")
}

func exitWithConfigurationNotice() {
	fmt.Print(colorstring.Color(`
[_red_][white][bold]Error: Configuration File Not Found[reset]

Strongroom was not able to locate your configuration file, and therefore
is not able to complete its boot process.

Please run "strongroom configure" to create one, or pass the --config
flag to point at a custom location.

Default Location: /etc/strongroom/config.yml

`))
	os.Exit(1)
}
