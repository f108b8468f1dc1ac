package filesystem

import (
	"syscall"
	"time"
)

// CTime returns the change time of the file or folder, falling back to the
// modification time if the underlying stat structure is unavailable.
func (s *Stat) CTime() time.Time {
	if st, ok := s.Info.Sys().(*syscall.Stat_t); ok {
		// Do not remove these "redundant" type-casts, they are required for
		// 32-bit builds to work.
		return time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
	}
	return s.Info.ModTime()
}
