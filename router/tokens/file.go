package tokens

import (
	"github.com/gbrlsnchs/jwt/v3"
)

// FilePayload is the signed body of a one-time file download token. The
// actor who requested the token travels inside it, so the eventual download
// is attributed to them no matter who presents the link.
type FilePayload struct {
	jwt.Payload
	FilePath string `json:"file_path"`
	Actor    string `json:"actor"`
	UniqueId string `json:"unique_id"`
}

// GetPayload returns the JWT payload.
func (p *FilePayload) GetPayload() *jwt.Payload {
	return &p.Payload
}

// IsUniqueRequest determines if this JWT is valid for the given request
// cycle. If the unique ID passed in the token has already been seen before
// this will return false. This allows us to use this JWT as a one-time token
// that validates all of the request.
func (p *FilePayload) IsUniqueRequest() bool {
	return getTokenStore().IsValidToken(p.UniqueId)
}
