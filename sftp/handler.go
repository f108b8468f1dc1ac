package sftp

import (
	"io"
	"os"
	"path"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/pkg/sftp"

	"github.com/strongroom/strongroom/storage/filesystem"
	"github.com/strongroom/strongroom/storage/pathlock"
	"github.com/strongroom/strongroom/vault"
)

// Handler serves a single authenticated SFTP session. Every content
// operation goes through the vault, so SFTP traffic obeys the same
// containment, locking and audit rules as the HTTP API, attributed to the
// username the session authenticated as.
type Handler struct {
	vault    *vault.Vault
	actor    string
	readOnly bool
	logger   *log.Entry
}

// NewHandler returns a new handler for the session belonging to actor.
func NewHandler(v *vault.Vault, actor string, readOnly bool) *Handler {
	return &Handler{
		vault:    v,
		actor:    actor,
		readOnly: readOnly,
		logger:   log.WithFields(log.Fields{"subsystem": "sftp", "actor": actor}),
	}
}

// Handlers returns the sftp.Handlers for this struct.
func (h *Handler) Handlers() sftp.Handlers {
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// Fileread creates a reader for a file on the system and returns the reader
// back. The read session holds the path lock until the request server closes
// it at the end of the transfer, so a concurrent write can never swap the
// bytes out underneath the download.
func (h *Handler) Fileread(request *sftp.Request) (io.ReaderAt, error) {
	s, err := h.vault.OpenRead(request.Context(), h.actor, request.Filepath)
	if err != nil {
		return nil, h.convert(err)
	}
	return s, nil
}

// Filewrite handles the write actions for a file on the system. The upload
// lands in a staged file and only replaces the target when the session is
// closed, which is also the point where the guards run and the audit entry
// is recorded. A guard tripping there reaches the client as the transfer's
// close error.
func (h *Handler) Filewrite(request *sftp.Request) (io.WriterAt, error) {
	if h.readOnly {
		return nil, sftp.ErrSSHFxOpUnsupported
	}
	w, err := h.vault.OpenWrite(request.Context(), h.actor, request.Filepath)
	if err != nil {
		return nil, h.convert(err)
	}
	return w, nil
}

// Filecmd handles the basic SFTP system calls related to files, but not
// anything to do with reading or writing to those files.
func (h *Handler) Filecmd(request *sftp.Request) error {
	if h.readOnly {
		return sftp.ErrSSHFxOpUnsupported
	}
	ctx := request.Context()

	switch request.Method {
	case "Setstat":
		mode := os.FileMode(0o644)
		// If the client passed a valid file permission use that, otherwise use
		// the default of 0644 set above.
		if request.Attributes().FileMode().Perm() != 0o000 {
			mode = request.Attributes().FileMode().Perm()
		}
		// Force directories to be 0755.
		if request.Attributes().FileMode().IsDir() {
			mode = 0o755
		}
		if err := h.vault.Filesystem().Chmod(request.Filepath, mode); err != nil {
			return h.convert(err)
		}
		return nil
	case "Rename", "PosixRename":
		if _, err := h.vault.Rename(ctx, h.actor, request.Filepath, request.Target); err != nil {
			return h.convert(err)
		}
		return sftp.ErrSSHFxOk
	case "Rmdir", "Remove":
		if _, err := h.vault.Delete(ctx, h.actor, request.Filepath); err != nil {
			return h.convert(err)
		}
		return sftp.ErrSSHFxOk
	case "Mkdir":
		if _, err := h.vault.MkDir(ctx, h.actor, path.Base(request.Filepath), path.Dir(request.Filepath)); err != nil {
			return h.convert(err)
		}
		return sftp.ErrSSHFxOk
	case "Symlink", "Link":
		// Links are how paths escape containment, clients do not get to plant
		// them inside the vault.
		return sftp.ErrSSHFxOpUnsupported
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

// Filelist is the handler for SFTP filesystem list calls. This will handle
// calls to list the contents of a directory as well as perform file/folder
// stat calls.
func (h *Handler) Filelist(request *sftp.Request) (sftp.ListerAt, error) {
	switch request.Method {
	case "List":
		stats, err := h.vault.Filesystem().ListDirectory(request.Context(), request.Filepath)
		if err != nil {
			return nil, h.convert(err)
		}
		infos := make([]os.FileInfo, len(stats))
		for i, st := range stats {
			infos[i] = st.Info
		}
		return ListerAt(infos), nil
	case "Stat":
		st, err := h.vault.Filesystem().Stat(request.Filepath)
		if err != nil {
			return nil, h.convert(err)
		}
		return ListerAt([]os.FileInfo{st.Info}), nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// convert maps an error out of the vault onto the closest SFTP status code
// and logs anything that is not one of the routine refusals.
func (h *Handler) convert(err error) error {
	switch {
	case filesystem.IsErrorCode(err, filesystem.ErrCodeNotExist),
		filesystem.IsErrorCode(err, filesystem.ErrCodePathResolution):
		return sftp.ErrSSHFxNoSuchFile
	case filesystem.IsErrorCode(err, filesystem.ErrCodeDenylistFile),
		filesystem.IsErrorCode(err, filesystem.ErrCodeInvalidFilename),
		filesystem.IsErrorCode(err, filesystem.ErrCodeBadExtension):
		return sftp.ErrSSHFxPermissionDenied
	case filesystem.IsErrorCode(err, filesystem.ErrCodeDiskSpace),
		filesystem.IsErrorCode(err, filesystem.ErrCodeSizeExceeded):
		return ErrSSHQuotaExceeded
	case filesystem.IsErrorCode(err, filesystem.ErrCodeIsDirectory):
		return sftp.ErrSSHFxOpUnsupported
	case errors.Is(err, pathlock.ErrLockTimeout):
		h.logger.WithField("error", err).Warn("sftp operation timed out waiting for a path lock")
		return sftp.ErrSSHFxFailure
	default:
		h.logger.WithField("error", err).Error("error while handling sftp operation")
		return sftp.ErrSSHFxFailure
	}
}
