package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	maxReadBytes    = 256 * 1024
	maxGrepMatches  = 100
	maxGlobMatches  = 500
	maxListEntries  = 1000
	binaryProbeSize = 8192
)

// ignoredDirs are skipped by listings and searches. Generated trees drown out
// anything useful and node_modules alone can be six figures of files.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
	".cache":       true,
	".turbo":       true,
}

func handleReadFile(_ context.Context, d *Dispatcher, call Call) Outcome {
	rel, err := stringArg(call.Input, "file_path")
	if err != nil {
		return Errorf("read_file: %v", err)
	}
	full, err := d.resolvePath(call.ProjectID, rel)
	if err != nil {
		return Errorf("read_file: %v", err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return Errorf("read_file: %v", err)
	}
	if info.IsDir() {
		return Errorf("read_file: %s is a directory", rel)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return Errorf("read_file: %v", err)
	}
	if isBinary(data) {
		return Okf("[binary file: %s, %d bytes]", rel, info.Size())
	}
	if len(data) > maxReadBytes {
		return Okf("%s\n\n[truncated at %d of %d bytes]", data[:maxReadBytes], maxReadBytes, len(data))
	}
	return Ok(string(data))
}

func handleWriteFile(ctx context.Context, d *Dispatcher, call Call) Outcome {
	rel, err := stringArg(call.Input, "file_path")
	if err != nil {
		return Errorf("write_file: %v", err)
	}
	content, ok := call.Input["content"].(string)
	if !ok {
		return Errorf("write_file: content is required")
	}
	full, err := d.resolvePath(call.ProjectID, rel)
	if err != nil {
		return Errorf("write_file: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Errorf("write_file: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return Errorf("write_file: %v", err)
	}
	d.notifyChange(ctx, call, rel, content)

	description := optionalString(call.Input, "description")
	if description != "" {
		return Okf("Wrote %s (%d bytes): %s", rel, len(content), description)
	}
	return Okf("Wrote %s (%d bytes)", rel, len(content))
}

func handleEditFile(ctx context.Context, d *Dispatcher, call Call) Outcome {
	rel, err := stringArg(call.Input, "file_path")
	if err != nil {
		return Errorf("edit_file: %v", err)
	}
	oldString, err := stringArg(call.Input, "old_string")
	if err != nil {
		return Errorf("edit_file: %v", err)
	}
	newString, ok := call.Input["new_string"].(string)
	if !ok {
		return Errorf("edit_file: new_string is required")
	}
	full, err := d.resolvePath(call.ProjectID, rel)
	if err != nil {
		return Errorf("edit_file: %v", err)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return Errorf("edit_file: %v", err)
	}
	if isBinary(data) {
		return Errorf("edit_file: %s is a binary file", rel)
	}
	before := string(data)
	if !strings.Contains(before, oldString) {
		return Errorf("edit_file: old_string not found in %s", rel)
	}

	after := strings.Replace(before, oldString, newString, 1)
	if err := os.WriteFile(full, []byte(after), 0o644); err != nil {
		return Errorf("edit_file: %v", err)
	}
	d.notifyChange(ctx, call, rel, after)
	return Okf("Edited %s\n%s", rel, renderDiff(before, after))
}

func (d *Dispatcher) notifyChange(ctx context.Context, call Call, rel, content string) {
	if d.notifier == nil || call.Session == nil || call.Session.AgentURL == "" {
		return
	}
	d.notifier.NotifyFileChange(ctx, call.Session.AgentURL, path.Join(ContainerProjectDir, filepath.ToSlash(rel)), content)
}

// renderDiff produces a line diff with removed lines prefixed "- " and added
// lines "+ ". Unchanged context is elided.
func renderDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, diff := range diffs {
		prefix := ""
		switch diff.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(diff.Text, "\n"), "\n") {
			out.WriteString(prefix)
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return strings.TrimRight(out.String(), "\n")
}

func handleListDirectory(_ context.Context, d *Dispatcher, call Call) Outcome {
	full, err := d.resolvePath(call.ProjectID, optionalString(call.Input, "path"))
	if err != nil {
		return Errorf("list_directory: %v", err)
	}

	if optionalBool(call.Input, "recursive") {
		files, err := walkFiles(full, maxListEntries)
		if err != nil {
			return Errorf("list_directory: %v", err)
		}
		return Ok(strings.Join(files, "\n"))
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return Errorf("list_directory: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Ok(strings.Join(names, "\n"))
}

func handleGlobSearch(_ context.Context, d *Dispatcher, call Call) Outcome {
	pattern, err := stringArg(call.Input, "pattern")
	if err != nil {
		return Errorf("glob_search: %v", err)
	}
	root, err := d.resolvePath(call.ProjectID, optionalString(call.Input, "path"))
	if err != nil {
		return Errorf("glob_search: %v", err)
	}

	var matches []string
	err = walkProject(root, func(rel string) error {
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
			if len(matches) >= maxGlobMatches {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return Errorf("glob_search: %v", err)
	}
	if len(matches) == 0 {
		return Okf("No files matching %q", pattern)
	}
	sort.Strings(matches)
	return Ok(strings.Join(matches, "\n"))
}

// matchGlob matches rel against pattern. Patterns without a slash match the
// basename; ** crosses directory boundaries.
func matchGlob(pattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	if strings.Contains(pattern, "**") {
		re, err := globToRegexp(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(rel)
	}
	ok, _ := path.Match(pattern, rel)
	return ok
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				// Swallow a following slash so "a/**/b" also matches "a/b".
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString(`(?:.*/)?`)
					i += 2
				} else {
					b.WriteString(`.*`)
					i++
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		case '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func handleGrepSearch(_ context.Context, d *Dispatcher, call Call) Outcome {
	pattern, err := stringArg(call.Input, "pattern")
	if err != nil {
		return Errorf("grep_search: %v", err)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Errorf("grep_search: invalid pattern: %v", err)
	}
	root, err := d.resolvePath(call.ProjectID, optionalString(call.Input, "path"))
	if err != nil {
		return Errorf("grep_search: %v", err)
	}
	include := optionalString(call.Input, "include")

	var out []string
	truncated := false
	err = walkProject(root, func(rel string) error {
		if include != "" && !matchGlob(include, rel) {
			return nil
		}
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil || isBinary(data) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(out) >= maxGrepMatches {
					truncated = true
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return Errorf("grep_search: %v", err)
	}
	if len(out) == 0 {
		return Okf("No matches for %q", pattern)
	}
	result := strings.Join(out, "\n")
	if truncated {
		result += fmt.Sprintf("\n[truncated at %d matches]", maxGrepMatches)
	}
	return Ok(result)
}

// walkProject walks regular files under root, skipping ignored directories,
// reporting project-relative slash paths.
func walkProject(root string, fn func(rel string) error) error {
	return filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if p != root && (ignoredDirs[entry.Name()] || strings.HasPrefix(entry.Name(), ".")) {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		return fn(filepath.ToSlash(rel))
	})
}

func walkFiles(root string, limit int) ([]string, error) {
	var files []string
	err := walkProject(root, func(rel string) error {
		files = append(files, rel)
		if len(files) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// isBinary reports whether data looks like a non-text file (NUL byte in the
// leading probe window).
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
