package models

import (
	"database/sql"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
)

// JsonNullString wraps sql.NullString so null columns render as JSON null
// instead of the sql.NullString envelope.
type JsonNullString struct {
	sql.NullString
}

func (v JsonNullString) MarshalJSON() ([]byte, error) {
	if v.Valid {
		return json.Marshal(v.String)
	}
	return json.Marshal(nil)
}

func (v *JsonNullString) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.WithStack(err)
	}
	if s != nil {
		v.String = *s
	}
	v.Valid = s != nil
	return nil
}
