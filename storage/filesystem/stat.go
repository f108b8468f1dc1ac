package filesystem

import (
	"os"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
)

// Stat is a wrapper around a FileInfo object that adds the mimetype of the
// file or directory to the JSON marshaled output.
type Stat struct {
	Info     os.FileInfo
	Mimetype string
}

func (s *Stat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string `json:"name"`
		Created   string `json:"created"`
		Modified  string `json:"modified"`
		Mode      string `json:"mode"`
		ModeBits  string `json:"mode_bits"`
		Size      int64  `json:"size"`
		Directory bool   `json:"directory"`
		File      bool   `json:"file"`
		Symlink   bool   `json:"symlink"`
		Mime      string `json:"mime"`
	}{
		Name:     s.Info.Name(),
		Created:  s.CTime().Format(time.RFC3339),
		Modified: s.Info.ModTime().Format(time.RFC3339),
		Mode:     s.Info.Mode().String(),
		// Masking the mode with os.ModePerm strips everything except the
		// permission bits, which is what API consumers expect here.
		ModeBits:  strconv.FormatUint(uint64(s.Info.Mode()&os.ModePerm), 8),
		Size:      s.Info.Size(),
		Directory: s.Info.IsDir(),
		File:      !s.Info.IsDir(),
		Symlink:   s.Info.Mode()&os.ModeSymlink != 0,
		Mime:      s.Mimetype,
	})
}

// Stat stats a file or folder and returns the base stat object from go
// along with the mimetype of the entry.
func (fs *Filesystem) Stat(p string) (Stat, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return Stat{}, err
	}
	return fs.unsafeStat(cleaned)
}

func (fs *Filesystem) unsafeStat(p string) (Stat, error) {
	s, err := os.Stat(p)
	if err != nil {
		return Stat{}, wrapError(err, p)
	}

	st := Stat{Info: s, Mimetype: "application/octet-stream"}
	if s.IsDir() {
		st.Mimetype = "inode/directory"
	} else if s.Mode().IsRegular() {
		m, err := mimetype.DetectFile(p)
		if err != nil {
			return Stat{}, wrapError(err, p)
		}
		st.Mimetype = m.String()
	}

	return st, nil
}
