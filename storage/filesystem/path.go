package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"emperror.dev/errors"
	"golang.org/x/sync/errgroup"
)

// IsIgnored checks if the given file or path is on the storage denylist. If
// so, an Error is returned, otherwise nil is returned. The lock marker
// directory is always part of the denylist.
func (fs *Filesystem) IsIgnored(paths ...string) error {
	for _, p := range paths {
		sp, err := fs.SafePath(p)
		if err != nil {
			return err
		}
		if fs.denylist.MatchesPath(sp) {
			return newDenylistError(p, sp)
		}
	}
	return nil
}

// SafePath normalizes a path being passed in to ensure the caller is not
// able to escape from the storage root. After normalization if the path is
// still within the root it is returned. If they managed to "escape" an
// error will be returned.
//
// The check must hold for paths that do not exist yet: the path chain is
// walked upwards until an existing directory is found, and that directory
// is the one validated for containment. Symlinks are always followed before
// validation so a link pointing outside the root cannot smuggle a
// conforming string prefix past the check.
func (fs *Filesystem) SafePath(p string) (string, error) {
	var nonExistentPathResolution string

	// Start with a cleaned up path before checking the more complex bits.
	r := fs.unsafeFilePath(p)

	// At the same time, evaluate the symlink status and determine where this
	// file or folder is truly pointing to.
	ep, err := filepath.EvalSymlinks(r)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrap(err, "storage/filesystem: failed to evaluate symlink")
	} else if os.IsNotExist(err) {
		// The requested location doesn't exist, so at this point we need to
		// iterate up the path chain until we hit a directory that _does_
		// exist and can be validated.
		parts := strings.Split(filepath.Dir(r), "/")

		var try string
		// Range over all of the path parts and form directory paths from
		// the end moving up until we have a valid resolution or we run out
		// of paths to try.
		for k := range parts {
			try = strings.Join(parts[:(len(parts)-k)], "/")

			if !fs.unsafeIsInStorageRoot(try) {
				break
			}

			t, err := filepath.EvalSymlinks(try)
			if err == nil {
				nonExistentPathResolution = t
				break
			}
		}
	}

	// If the new path doesn't start with the storage root there is clearly
	// an escape attempt going on, and we should NOT resolve this path for
	// them.
	if nonExistentPathResolution != "" {
		if !fs.unsafeIsInStorageRoot(nonExistentPathResolution) {
			return "", NewBadPathResolution(p, nonExistentPathResolution)
		}

		// If the nonExistentPathResolution variable is not empty then the
		// initial path requested did not exist and we looped through the
		// pathway until we found a match. At this point we've confirmed the
		// first matched pathway exists inside the storage root, so we can go
		// ahead and just return the path that was requested initially.
		return r, nil
	}

	// If the requested location from EvalSymlinks begins with the storage
	// root go ahead and return it. If not we'll return an error which will
	// block any further action on the file.
	if fs.unsafeIsInStorageRoot(ep) {
		return ep, nil
	}

	return "", NewBadPathResolution(p, r)
}

// Generate a path to the file by cleaning it up and appending the storage
// root to it. This DOES NOT guarantee that the file resolves within the
// storage root. You'll want to use the fs.unsafeIsInStorageRoot(p) function
// to confirm.
func (fs *Filesystem) unsafeFilePath(p string) string {
	// Calling filepath.Clean on the joined directory will resolve it to the
	// absolute path, removing any ../ type of resolution arguments, and
	// leaving us with a direct path link.
	//
	// This will also trim the existing root path off the beginning of the
	// path passed to the function since that can get a bit messy.
	return filepath.Clean(filepath.Join(fs.Path(), strings.TrimPrefix(p, fs.Path())))
}

// Check that the path string starts with the storage root path. The
// comparison is forced onto a trailing separator boundary so a sibling
// directory sharing a string prefix with the root ("/data" vs "/data-evil")
// can never pass. This function DOES NOT validate that the rest of the path
// does not end up resolving out of this directory, or that the targeted
// file or folder is not a symlink doing the same thing.
func (fs *Filesystem) unsafeIsInStorageRoot(p string) bool {
	return strings.HasPrefix(strings.TrimSuffix(p, "/")+"/", strings.TrimSuffix(fs.Path(), "/")+"/")
}

// ParallelSafePath executes the fs.SafePath function in parallel against an
// array of paths. If any of the calls fails an error will be returned.
func (fs *Filesystem) ParallelSafePath(paths []string) ([]string, error) {
	var cleaned []string

	// Simple locker function to avoid racy appends to the array of cleaned paths.
	m := new(sync.Mutex)
	push := func(c string) {
		m.Lock()
		cleaned = append(cleaned, c)
		m.Unlock()
	}

	// Create an error group that we can use to run processes in parallel
	// while retaining the ability to cancel the entire process immediately
	// should any of it fail.
	g, ctx := errgroup.WithContext(context.Background())

	for _, p := range paths {
		// Create copy so we can use it within the goroutine correctly.
		pi := p

		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				if c, err := fs.SafePath(pi); err != nil {
					return err
				} else {
					push(c)
				}

				return nil
			}
		})
	}

	// Block until all of the routines finish and have returned a value.
	return cleaned, g.Wait()
}

// Characters that are never allowed to appear in a filename, in addition to
// the path separators and control bytes handled separately.
const reservedFilenameChars = `<>:"|?*`

// SanitizeFilename reduces an arbitrary caller-supplied name to a plain
// leaf filename. Path separators, ".." sequences, reserved characters and
// control bytes are removed, and leading dots are stripped so a caller can
// never create hidden files. The result is capped at 255 bytes to stay
// within common filesystem name limits.
//
// Sanitization is idempotent: running the output back through produces the
// same value. An empty result is an ErrCodeInvalidFilename error since
// there is nothing usable left of the name.
func SanitizeFilename(name string) (string, error) {
	s := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return -1
		}
		if r <= 0x1F {
			return -1
		}
		if strings.ContainsRune(reservedFilenameChars, r) {
			return -1
		}
		return r
	}, name)

	// Removing one ".." run can butt two dots up against each other and
	// form a new one, so repeat until the value is stable.
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "")
	}

	s = strings.TrimLeft(s, ".")

	if len(s) > 255 {
		s = s[:255]
	}
	if s == "" {
		return "", NewInvalidFilenameError(name)
	}
	return s, nil
}

// ValidateName checks that every path component below the storage root
// survives filename sanitization unchanged. Operations that create or move
// names run this before touching the disk: a name that sanitizes
// differently than it reads is refused outright, never silently rewritten.
// Archive extraction rewrites member names through SanitizeFilename
// instead of calling this, and operations on existing names skip it so a
// nonconforming file can still be read, listed and deleted.
func (fs *Filesystem) ValidateName(cleaned string) error {
	rel, err := filepath.Rel(fs.Path(), cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return NewBadPathResolution(cleaned, cleaned)
	}
	if rel == "." {
		return nil
	}
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		s, err := SanitizeFilename(part)
		if err != nil {
			return err
		}
		if s != part {
			return NewInvalidFilenameError(part)
		}
	}
	return nil
}

// ValidateExtension checks the extension of the given filename against the
// configured allow-list. Names without an extension always pass, and an
// empty allow-list disables the gate entirely. This is a policy decision
// for callers, containment never relies on it.
func (fs *Filesystem) ValidateExtension(name string) error {
	if len(fs.allowedExtensions) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return nil
	}
	for _, allowed := range fs.allowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return NewBadExtensionError(name)
}
