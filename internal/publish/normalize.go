// Package publish implements the multipart ingest and publish pipeline of
// spec.md §4.8, C8: path normalization, staged MFS writes, the bounded
// publish queue driving atomic swap → pin → TGP-pointer update → IPNS
// submit, and the sealed-box backup/import format.
package publish

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// BadInputError marks a normalization failure that should surface as
// apierr.KindBadRequest (spec.md §7).
type BadInputError struct {
	Reason string
}

func (e *BadInputError) Error() string { return e.Reason }

// normalizeSegment implements spec.md §4.8 step 1 for one path segment:
// reject control characters and colons, and reject a segment whose
// percent-decoded or Unicode-NFKC form collapses to "." or "..".
func normalizeSegment(seg string) (string, error) {
	if seg == "" {
		return "", &BadInputError{Reason: "empty path segment"}
	}
	for _, r := range seg {
		if unicode.IsControl(r) {
			return "", &BadInputError{Reason: fmt.Sprintf("control character in segment %q", seg)}
		}
	}
	if strings.Contains(seg, ":") {
		return "", &BadInputError{Reason: fmt.Sprintf("colon in segment %q", seg)}
	}

	decoded, err := url.PathUnescape(seg)
	if err != nil {
		decoded = seg
	}
	nfkc := norm.NFKC.String(decoded)
	if nfkc == "." || nfkc == ".." {
		return "", &BadInputError{Reason: fmt.Sprintf("disallowed segment %q", seg)}
	}
	if seg == "." || seg == ".." {
		return "", &BadInputError{Reason: fmt.Sprintf("disallowed segment %q", seg)}
	}
	return seg, nil
}

// NormalizeRelPath implements spec.md §4.8 step 1 for a whole relative
// path: backslash→slash, strip leading "./" and "/", collapse duplicate
// slashes, validate every segment.
func NormalizeRelPath(relPath string) (string, error) {
	p := strings.ReplaceAll(relPath, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")

	rawSegments := strings.Split(p, "/")
	segments := make([]string, 0, len(rawSegments))
	for _, seg := range rawSegments {
		if seg == "" {
			continue // collapses duplicate "/"
		}
		clean, err := normalizeSegment(seg)
		if err != nil {
			return "", err
		}
		segments = append(segments, clean)
	}
	if len(segments) == 0 {
		return "", &BadInputError{Reason: "empty relative path"}
	}
	return strings.Join(segments, "/"), nil
}

// FileSet is the normalized relPath -> file-content mapping the
// structural steps (2-4) operate over; publish callers build it from the
// normalized multipart field names.
type FileSet map[string][]byte

// commonFirstFolder returns the single shared top-level folder of every
// key in files, or "" if no such folder exists (spec.md §4.8 step 2).
func commonFirstFolder(files FileSet) string {
	var folder string
	first := true
	for relPath := range files {
		top := relPath
		if i := strings.IndexByte(relPath, '/'); i >= 0 {
			top = relPath[:i]
		} else {
			return "" // a root-level file means there is no common folder
		}
		if first {
			folder = top
			first = false
			continue
		}
		if top != folder {
			return ""
		}
	}
	if first {
		return ""
	}
	return folder
}

func stripFirstFolder(files FileSet, folder string) FileSet {
	out := make(FileSet, len(files))
	prefix := folder + "/"
	for relPath, data := range files {
		out[strings.TrimPrefix(relPath, prefix)] = data
	}
	return out
}

// singleNestedIndexFolder returns the one folder name F such that
// "<F>/index.html" is present and no root-level "index.html" exists
// (spec.md §4.8 step 3); ok=false if zero or more than one such folder.
func singleNestedIndexFolder(files FileSet) (string, bool) {
	if _, hasRoot := files["index.html"]; hasRoot {
		return "", false
	}
	candidates := make(map[string]struct{})
	for relPath := range files {
		if strings.HasSuffix(relPath, "/index.html") {
			folder := strings.TrimSuffix(relPath, "/index.html")
			if !strings.Contains(folder, "/") {
				candidates[folder] = struct{}{}
			}
		}
	}
	if len(candidates) != 1 {
		return "", false
	}
	for folder := range candidates {
		return folder, true
	}
	return "", false
}

// Normalize runs the full spec.md §4.8 normalization pipeline (steps
// 1-4) over a raw field-name -> content mapping and returns the
// normalized FileSet, erroring with *BadInputError if the result still
// lacks a root-level index.html.
func Normalize(raw map[string][]byte) (FileSet, error) {
	files := make(FileSet, len(raw))
	for field, data := range raw {
		clean, err := NormalizeRelPath(field)
		if err != nil {
			return nil, err
		}
		files[clean] = data
	}

	if folder := commonFirstFolder(files); folder != "" && folder != "index.html" {
		files = stripFirstFolder(files, folder)
	}

	if folder, ok := singleNestedIndexFolder(files); ok {
		files = stripFirstFolder(files, folder)
	}

	if _, hasRoot := files["index.html"]; !hasRoot {
		return nil, &BadInputError{Reason: "normalized file set lacks a root-level index.html"}
	}
	return files, nil
}

// SortedPaths returns the FileSet's keys in deterministic order, for
// reproducible staging-write sequencing and tests.
func SortedPaths(files FileSet) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// StagingPath computes the MFS destination for one normalized file
// within a publish job (spec.md §4.8: "/staging/sites/<siteLeaf>/<jobId>/<relPath>").
func StagingPath(siteLeaf, jobID, relPath string) string {
	return path.Join("/staging/sites", siteLeaf, jobID, relPath)
}
