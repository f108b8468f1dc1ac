package models

import (
	"time"

	"gorm.io/gorm"
)

type Event string

type AuditMeta map[string]interface{}

// Operation kinds recorded on audit entries. Every vault operation maps to
// exactly one of these regardless of which transport carried it.
const (
	KindCreate = "create"
	KindModify = "modify"
	KindDelete = "delete"
	KindRead   = "read"
)

// Outcomes recorded on audit entries. Denied covers guard rejections, a
// containment breach, a limit, a denylist hit. Failed covers everything
// else that stopped the operation.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// AuditEntry is one row of the local audit log: a single operation against
// the vault, who asked for it, what it touched and how it ended. Entries
// are append-only, nothing in the daemon ever updates one.
type AuditEntry struct {
	ID int `gorm:"primaryKey;not null" json:"-"`
	// Actor is the identity that performed the operation. A null value
	// means the daemon itself, maintenance jobs for example.
	Actor JsonNullString `gorm:"index" json:"actor"`
	// Kind is the coarse class of the operation: create, modify, delete
	// or read.
	Kind string `gorm:"not null" json:"kind"`
	// Event names the exact operation, for example vault:file.write.
	Event Event `gorm:"index;not null" json:"event"`
	// Path is the vault path the operation touched, or null for operations
	// without a single meaningful path.
	Path JsonNullString `json:"path"`
	// Outcome is success, denied or failed.
	Outcome string `gorm:"not null" json:"outcome"`
	// Metadata carries operation specific detail: byte counts, the limit
	// that tripped, the archive entry that was rejected, the error code.
	Metadata  AuditMeta `gorm:"serializer:json" json:"metadata"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}

// SetActor sets the identity that performed the operation. An empty string
// is stored as a null value.
func (e AuditEntry) SetActor(actor string) *AuditEntry {
	var ns JsonNullString
	if actor == "" {
		if err := ns.Scan(nil); err != nil {
			panic(err)
		}
	} else {
		if err := ns.Scan(actor); err != nil {
			panic(err)
		}
	}
	e.Actor = ns
	return &e
}

// SetPath sets the vault path the operation touched. An empty string is
// stored as a null value.
func (e *AuditEntry) SetPath(p string) *AuditEntry {
	var ns JsonNullString
	if p == "" {
		if err := ns.Scan(nil); err != nil {
			panic(err)
		}
	} else {
		if err := ns.Scan(p); err != nil {
			panic(err)
		}
	}
	e.Path = ns
	return e
}

// BeforeCreate runs before an entry is persisted to default the timestamp,
// normalize it to UTC and guarantee the metadata column is never null.
func (e *AuditEntry) BeforeCreate(_ *gorm.DB) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Metadata == nil {
		e.Metadata = AuditMeta{}
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	return nil
}
