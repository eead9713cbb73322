// Copyright 2025 James Ross
package uploadstore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// disallowedSuffixes blocks double-extension smuggling and the most
// common server-side-executable suffixes from ever landing under the
// uploads root.
var disallowedSuffixes = []string{
	".php", ".phtml", ".jsp", ".asp", ".aspx", ".exe", ".sh", ".bat", ".cmd", ".ps1",
}

// doubleExtensionGlob catches "archive.tar.gz"-style legitimate names
// being abused as "payload.jpg.php".
var doubleExtensionGlob = "*.*.*"

// SanitizeFilename rejects leading dots, path separators, an empty
// stem, double extensions, and disallowed suffixes, returning the safe
// basename to use on disk.
func SanitizeFilename(name string) (string, error) {
	if name == "" {
		return "", errs.New("uploadstore.SanitizeFilename", errs.Validation, fmt.Errorf("empty filename"))
	}
	if strings.ContainsAny(name, "/\\") {
		return "", errs.New("uploadstore.SanitizeFilename", errs.Validation, fmt.Errorf("filename %q contains a path separator", name))
	}
	if strings.HasPrefix(name, ".") {
		return "", errs.New("uploadstore.SanitizeFilename", errs.Validation, fmt.Errorf("filename %q has a leading dot", name))
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return "", errs.New("uploadstore.SanitizeFilename", errs.Validation, fmt.Errorf("filename %q has an empty stem", name))
	}
	if ok, _ := doublestar.Match(doubleExtensionGlob, name); ok {
		return "", errs.New("uploadstore.SanitizeFilename", errs.Validation, fmt.Errorf("filename %q has a double extension", name))
	}
	lower := strings.ToLower(ext)
	for _, bad := range disallowedSuffixes {
		if lower == bad {
			return "", errs.New("uploadstore.SanitizeFilename", errs.Validation, fmt.Errorf("filename %q has a disallowed suffix %s", name, bad))
		}
	}
	return name, nil
}

// ResolveUnderRoot joins root and rel, then verifies the resolved
// absolute path is still contained under root — the one check every
// disk-touching operation in this package must pass before any I/O.
func ResolveUnderRoot(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errs.New("uploadstore.ResolveUnderRoot", errs.Internal, err)
	}
	joined := filepath.Join(absRoot, rel)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", errs.New("uploadstore.ResolveUnderRoot", errs.Internal, err)
	}
	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) {
		return "", errs.New("uploadstore.ResolveUnderRoot", errs.Forbidden, fmt.Errorf("path %q escapes root %q", rel, root))
	}
	return abs, nil
}
