package filesystem

import (
	"syscall"
	"time"
)

// CTime returns the creation time of the file or folder, falling back to
// the modification time if the underlying data is unavailable.
func (s *Stat) CTime() time.Time {
	if d, ok := s.Info.Sys().(*syscall.Win32FileAttributeData); ok {
		return time.Unix(0, d.CreationTime.Nanoseconds())
	}
	return s.Info.ModTime()
}
