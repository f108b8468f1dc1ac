package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"emperror.dev/errors"
	"github.com/asaskevich/govalidator"
	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// DefaultLocation is the default location of the configuration file when no
// other path is provided on the command line.
const DefaultLocation = "/etc/strongroom/config.yml"

// Configuration is the full configuration tree for the daemon. It is built
// once during boot and then passed by reference into every component that
// needs it. Nothing in this codebase reads configuration ambiently, if a
// component needs a value it takes the struct (or the relevant section) as
// a constructor argument.
type Configuration struct {
	// The location from which this configuration instance was read, and
	// where it will be written back to by WriteToDisk.
	path string

	// Debug enables verbose logging output for the daemon.
	Debug bool `default:"false" json:"debug" yaml:"debug"`

	// Uuid is a unique identifier for this daemon instance, generated the
	// first time a configuration is created and stable afterwards. It is
	// attached to audit records so entries from different nodes sharing a
	// database remain distinguishable.
	Uuid string `json:"uuid" yaml:"uuid"`

	// AuthenticationToken is the bearer token that requests against the
	// HTTP API must present. Comparison is constant-time at the middleware.
	AuthenticationToken string `json:"token" yaml:"token"`

	Api     ApiConfiguration     `json:"api" yaml:"api"`
	System  SystemConfiguration  `json:"system" yaml:"system"`
	Storage StorageConfiguration `json:"storage" yaml:"storage"`
	Locks   LockConfiguration    `json:"locks" yaml:"locks"`
	Sftp    SftpConfiguration    `json:"sftp" yaml:"sftp"`
	Audit   AuditConfiguration   `json:"audit" yaml:"audit"`
}

// ApiConfiguration defines the configuration for the internal API that is
// exposed by the daemon webserver.
type ApiConfiguration struct {
	// The interface that the internal webserver should bind to.
	Host string `default:"0.0.0.0" json:"host" yaml:"host"`

	// The port that the internal webserver should bind to.
	Port int `default:"8080" json:"port" yaml:"port"`

	// Ssl configuration for the daemon.
	Ssl SslConfiguration `json:"ssl" yaml:"ssl"`

	// The maximum size in bytes for a single file uploaded through the API.
	UploadLimit int64 `default:"104857600" json:"upload_limit" yaml:"upload_limit"`
}

type SslConfiguration struct {
	Enabled         bool   `default:"false" json:"enabled" yaml:"enabled"`
	CertificateFile string `json:"cert" yaml:"cert"`
	KeyFile         string `json:"key" yaml:"key"`
}

// SystemConfiguration defines basic system configuration settings.
type SystemConfiguration struct {
	// RootDirectory holds the daemon's own state: the audit database and
	// the generated SFTP host key. This is distinct from the storage root
	// that holds guarded user data.
	RootDirectory string `default:"/var/lib/strongroom" json:"root_directory" yaml:"root_directory"`

	// Directory where logs will be written to.
	LogDirectory string `default:"/var/log/strongroom" json:"log_directory" yaml:"log_directory"`

	// Timezone used for scheduled jobs and log timestamps. Defaults to the
	// TZ environment variable, falling back to UTC.
	Timezone string `json:"timezone" yaml:"timezone"`
}

// StorageConfiguration defines the guarded directory tree and the policy
// gates applied to everything inside it.
type StorageConfiguration struct {
	// RootDirectory is the sandbox directory. Every path handled by the
	// daemon resolves to a location inside this directory or the operation
	// is rejected outright.
	RootDirectory string `default:"/var/lib/strongroom/vault" json:"root_directory" yaml:"root_directory"`

	// DiskLimit is the total number of bytes the storage root may consume
	// before writes are rejected. 0 disables the ceiling.
	DiskLimit int64 `default:"0" json:"disk_limit" yaml:"disk_limit"`

	// DiskCheckInterval is the number of seconds a cached disk usage value
	// remains valid before the next operation triggers a re-walk. Higher
	// values trade accuracy for IO.
	DiskCheckInterval int64 `default:"150" json:"disk_check_interval" yaml:"disk_check_interval"`

	// AllowedExtensions restricts the file extensions that may be written.
	// An empty list disables the gate entirely. Extension checks are a
	// policy decision, containment never depends on them.
	AllowedExtensions []string `json:"allowed_extensions" yaml:"allowed_extensions"`

	// DeniedFiles is a list of gitignore style patterns for files that are
	// hidden from listings and refused by every operation. The lock marker
	// directory is always included regardless of this value.
	DeniedFiles []string `json:"denied_files" yaml:"denied_files"`

	// WriteLimit is the write throughput in MiB/s applied while creating
	// archives inside the storage root. 0 leaves archive creation unthrottled.
	WriteLimit int `default:"0" json:"write_limit" yaml:"write_limit"`

	// CompressionLevel used when creating archives. One of "none",
	// "best_speed" or "best_compression".
	CompressionLevel string `default:"best_speed" json:"compression_level" yaml:"compression_level"`

	Limits SizeLimits `json:"limits" yaml:"limits"`
}

// SizeLimits is the immutable record of byte ceilings enforced by the size
// guards. All values are bytes unless stated otherwise; a zero value
// disables the individual ceiling.
type SizeLimits struct {
	// MaxFileSize is the generic ceiling for any single file read from or
	// written into the storage root.
	MaxFileSize int64 `default:"536870912" json:"max_file_size" yaml:"max_file_size"`

	// MaxJsonSize and MaxXmlSize are the format specific ceilings enforced
	// before content of those types is accepted.
	MaxJsonSize int64 `default:"26214400" json:"max_json_size" yaml:"max_json_size"`
	MaxXmlSize  int64 `default:"26214400" json:"max_xml_size" yaml:"max_xml_size"`

	// MaxArchiveSize is the ceiling for the byte size of a compressed
	// archive before it will even be inspected.
	MaxArchiveSize int64 `default:"1073741824" json:"max_archive_size" yaml:"max_archive_size"`

	// MaxDecompressedSize bounds both a single archive entry and the total
	// decompressed payload of an archive.
	MaxDecompressedSize int64 `default:"4294967296" json:"max_decompressed_size" yaml:"max_decompressed_size"`

	// MaxCompressionRatio is the highest uncompressed to compressed ratio
	// tolerated for a single archive entry or an archive aggregate. 0
	// disables the gate.
	MaxCompressionRatio float64 `default:"100" json:"max_compression_ratio" yaml:"max_compression_ratio"`

	// MaxNestingDepth bounds how deeply JSON, XML and YAML documents may
	// nest before they are rejected.
	MaxNestingDepth int `default:"64" json:"max_nesting_depth" yaml:"max_nesting_depth"`
}

// LockConfiguration controls the cross-process path lock registry.
type LockConfiguration struct {
	// Directory is the name of the hidden marker directory created under
	// the storage root. It is never exposed through list or read.
	Directory string `default:".locks" json:"directory" yaml:"directory"`

	// RetryLimit is the number of times an acquisition is retried while the
	// marker for a path is held elsewhere before giving up.
	RetryLimit uint64 `default:"30" json:"retry_limit" yaml:"retry_limit"`

	// RetryInterval is the fixed delay in milliseconds between acquisition
	// attempts.
	RetryInterval int64 `default:"250" json:"retry_interval" yaml:"retry_interval"`

	// StaleAge is the age in seconds past which an on-disk marker is
	// considered abandoned and eligible for explicit reclamation. Markers
	// are never reclaimed automatically.
	StaleAge int64 `default:"900" json:"stale_age" yaml:"stale_age"`
}

// SftpConfiguration defines the built-in SFTP server settings.
type SftpConfiguration struct {
	// The interface that the SFTP server should bind to.
	Address string `default:"0.0.0.0" json:"bind_address" yaml:"bind_address"`

	// The port that the SFTP server should bind to.
	Port int `default:"2022" json:"bind_port" yaml:"bind_port"`

	// If set to true, no write actions will be allowed over SFTP.
	ReadOnly bool `default:"false" json:"read_only" yaml:"read_only"`

	// Users is the static credential list accepted by the SFTP server. The
	// username doubles as the audit actor for operations performed over
	// this transport.
	Users []SftpUser `json:"users" yaml:"users"`
}

type SftpUser struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// AuditConfiguration controls the local audit database.
type AuditConfiguration struct {
	// RetentionDays is the number of days audit entries are kept before
	// the retention job removes them. 0 keeps entries forever.
	RetentionDays int `default:"90" json:"retention_days" yaml:"retention_days"`

	// PruneInterval is the number of seconds between retention job runs.
	PruneInterval int64 `default:"3600" json:"prune_interval" yaml:"prune_interval"`
}

// NewAtPath creates a new configuration instance at the given path with all
// default values set on it. The file is not read or written by this call.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	if err := defaults.Set(&c); err != nil {
		return nil, errors.Wrap(err, "config: could not set default values for struct")
	}
	c.path = path
	c.Uuid = uuid.New().String()
	if tz := os.Getenv("TZ"); tz != "" {
		c.System.Timezone = tz
	} else {
		c.System.Timezone = "UTC"
	}
	return &c, nil
}

// FromFile reads the configuration from the provided file and returns the
// configuration object that can then be used. Environment variable
// references inside the file are expanded before parsing.
func FromFile(path string) (*Configuration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: could not read configuration file")
	}
	c, err := NewAtPath(path)
	if err != nil {
		return nil, err
	}

	// Replace environment variables within the configuration file with
	// their values from the host system.
	b = []byte(os.ExpandEnv(string(b)))

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "config: could not decode configuration file")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for values that would put the daemon
// into a state it cannot operate from.
func (c *Configuration) Validate() error {
	if c.Uuid != "" && !govalidator.IsUUIDv4(c.Uuid) {
		return errors.New("config: uuid must be a valid v4 UUID")
	}
	if !govalidator.IsHost(c.Api.Host) {
		return errors.New("config: api.host is not a valid hostname or IP address")
	}
	if !govalidator.IsPort(strconv.Itoa(c.Api.Port)) {
		return errors.New("config: api.port is out of range")
	}
	if c.Api.Ssl.Enabled && (c.Api.Ssl.CertificateFile == "" || c.Api.Ssl.KeyFile == "") {
		return errors.New("config: api.ssl requires both a certificate and a key file")
	}
	if !filepath.IsAbs(c.Storage.RootDirectory) {
		return errors.New("config: storage.root_directory must be an absolute path")
	}
	if !filepath.IsAbs(c.System.RootDirectory) {
		return errors.New("config: system.root_directory must be an absolute path")
	}
	switch c.Storage.CompressionLevel {
	case "none", "best_speed", "best_compression":
	default:
		return errors.New("config: storage.compression_level must be one of none, best_speed or best_compression")
	}
	if c.Storage.Limits.MaxCompressionRatio <= 0 {
		return errors.New("config: storage.limits.max_compression_ratio must be greater than zero")
	}
	if c.Storage.Limits.MaxNestingDepth <= 0 {
		return errors.New("config: storage.limits.max_nesting_depth must be greater than zero")
	}
	if v := c.Locks.Directory; v == "" || v != filepath.Base(v) || v[0] != '.' {
		return errors.New("config: locks.directory must be a hidden directory name, not a path")
	}
	if c.Locks.RetryInterval <= 0 {
		return errors.New("config: locks.retry_interval must be greater than zero")
	}
	if !govalidator.IsPort(strconv.Itoa(c.Sftp.Port)) {
		return errors.New("config: sftp.bind_port is out of range")
	}
	for _, u := range c.Sftp.Users {
		if u.Username == "" || !govalidator.IsAlphanumeric(u.Username) {
			return errors.New("config: sftp users must have alphanumeric usernames")
		}
	}
	if _, err := time.LoadLocation(c.System.Timezone); err != nil {
		return errors.Wrapf(err, "config: system.timezone %q could not be loaded", c.System.Timezone)
	}
	return nil
}

// Path returns the location on disk this configuration was read from or
// will be persisted to.
func (c *Configuration) Path() string {
	return c.path
}

// WriteToDisk writes the configuration to the path it was loaded from,
// creating the parent directory when missing. The file is written with
// owner-only permissions since it carries the API token.
func (c *Configuration) WriteToDisk() error {
	if c.path == "" {
		return errors.New("config: cannot write configuration, no path defined in struct")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "config: could not encode configuration")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.Wrap(err, "config: could not create directory for configuration")
	}
	if err := os.WriteFile(c.path, b, 0o600); err != nil {
		return errors.Wrap(err, "config: could not write configuration to disk")
	}
	return nil
}

// DatabasePath returns the location of the local audit database file.
func (c *Configuration) DatabasePath() string {
	return filepath.Join(c.System.RootDirectory, "strongroom.db")
}
