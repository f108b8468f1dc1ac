package filesystem

import (
	"syscall"
	"time"
)

// CTime returns the change time of the file or folder, falling back to the
// modification time if the underlying stat structure is unavailable.
func (s *Stat) CTime() time.Time {
	if st, ok := s.Info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Ctimespec.Sec, st.Ctimespec.Nsec)
	}
	return s.Info.ModTime()
}
