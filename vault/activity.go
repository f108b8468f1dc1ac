package vault

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"

	"github.com/strongroom/strongroom/internal/models"
	"github.com/strongroom/strongroom/storage/filesystem"
	"github.com/strongroom/strongroom/storage/pathlock"
)

const (
	EventFileRead        = models.Event("vault:file.read")
	EventFileWrite       = models.Event("vault:file.write")
	EventFileCopy        = models.Event("vault:file.copy")
	EventFileRename      = models.Event("vault:file.rename")
	EventFileDuplicate   = models.Event("vault:file.duplicate")
	EventFileDelete      = models.Event("vault:file.delete")
	EventFileCompress    = models.Event("vault:file.compress")
	EventFileDecompress  = models.Event("vault:file.decompress")
	EventDirectoryList   = models.Event("vault:directory.list")
	EventDirectoryCreate = models.Event("vault:directory.create")
)

// codeLockTimeout is the audit metadata code for a lock acquisition that
// gave up waiting. It lives outside the filesystem taxonomy because the
// sentinel crosses the package boundary as a plain error value.
const codeLockTimeout = "E_LOCKTIMEOUT"

// Receipt describes a completed vault operation. Warning carries a non
// fatal problem encountered after the operation itself succeeded, currently
// only a failure to persist the audit entry. The mutation is never rolled
// back for one.
type Receipt struct {
	Kind    string       `json:"kind"`
	Event   models.Event `json:"event"`
	Path    string       `json:"path"`
	Warning string       `json:"warning,omitempty"`
}

// topic strips the namespace prefix from an event name. Bus subscribers key
// on the bare operation, "vault:file.write" publishes as "file.write".
func topic(e models.Event) string {
	s := string(e)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// entry assembles a fully populated audit row for the given operation.
func (v *Vault) entry(actor string, e models.Event, kind string, p string, meta models.AuditMeta) *models.AuditEntry {
	if meta == nil {
		meta = models.AuditMeta{}
	}
	a := models.AuditEntry{
		Kind:      kind,
		Event:     e,
		Outcome:   models.OutcomeSuccess,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}
	return a.SetActor(actor).SetPath(p)
}

// record persists a single audit entry and publishes it for live
// observers. Publication happens regardless of the database outcome, a
// stalled disk must not blind the live stream. The database write runs on
// a short deadline of its own so it can never hold up an operation that
// already happened.
func (v *Vault) record(e *models.AuditEntry) error {
	v.bus.Publish(topic(e.Event), e)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()
	if tx := v.db.WithContext(ctx).Create(e); tx.Error != nil {
		return errors.Wrap(tx.Error, "vault: failed to save audit entry")
	}
	return nil
}

// commit records a successful operation and builds its receipt. An audit
// persistence failure is logged and surfaced as a warning on the receipt,
// the operation itself already happened and stays done.
func (v *Vault) commit(actor string, e models.Event, kind string, p string, meta models.AuditMeta) *Receipt {
	rec := &Receipt{Kind: kind, Event: e, Path: p}
	if err := v.record(v.entry(actor, e, kind, p, meta)); err != nil {
		log.WithField("subsystem", "vault").WithField("event", e).WithField("error", err).Error("failed to record audit entry")
		rec.Warning = "the operation completed but its audit entry could not be recorded"
	}
	return rec
}

// fail records a rejected or failed operation attempt and hands the cause
// back unchanged. The audit row carries the error code so the rejection can
// be understood later without re-deriving any context.
func (v *Vault) fail(actor string, e models.Event, kind string, p string, meta models.AuditMeta, cause error) error {
	if meta == nil {
		meta = models.AuditMeta{}
	}
	outcome, code := classify(cause)
	if code != "" {
		meta["error_code"] = code
	}
	entry := v.entry(actor, e, kind, p, meta)
	entry.Outcome = outcome
	if err := v.record(entry); err != nil {
		log.WithField("subsystem", "vault").WithField("event", e).WithField("error", err).Error("failed to record audit entry")
	}
	return cause
}

// classify buckets an operation failure for the audit row. A rejection
// handed down by one of the guards, containment, a limit, the denylist, is
// recorded as denied. Everything else the filesystem gave up on is failed.
func classify(err error) (string, string) {
	if errors.Is(err, pathlock.ErrLockTimeout) {
		return models.OutcomeFailed, codeLockTimeout
	}
	var ferr *filesystem.Error
	if !errors.As(err, &ferr) {
		return models.OutcomeFailed, ""
	}
	switch ferr.Code() {
	case filesystem.ErrCodePathResolution,
		filesystem.ErrCodeDenylistFile,
		filesystem.ErrCodeInvalidFilename,
		filesystem.ErrCodeBadExtension,
		filesystem.ErrCodeSizeExceeded,
		filesystem.ErrCodeRatioExceeded,
		filesystem.ErrCodeArchiveRejected,
		filesystem.ErrCodeDepthExceeded,
		filesystem.ErrCodeMalformedContent,
		filesystem.ErrCodeDiskSpace:
		return models.OutcomeDenied, string(ferr.Code())
	default:
		return models.OutcomeFailed, string(ferr.Code())
	}
}

// ActivityFor returns the most recent audit entries recorded for the given
// actor, newest first. An empty actor returns recent activity across every
// actor, daemon operations with a null actor included.
func (v *Vault) ActivityFor(ctx context.Context, actor string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := v.db.WithContext(ctx).Order("timestamp desc").Order("id desc").Limit(limit)
	if actor != "" {
		q = q.Where("actor = ?", actor)
	}
	// The output must be initialized as a non-nil value so the API renders
	// an empty array rather than null when there is no history yet.
	out := make([]models.AuditEntry, 0)
	if tx := q.Find(&out); tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "vault: failed to query audit entries")
	}
	return out, nil
}
