//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of DWFlow.
//
// DWFlow is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// DWFlow is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with DWFlow. If not, see https://www.gnu.org/licenses/.

package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// DateStamp is the ddmmyyyy form used in extract file names.
const DateStamp = "02012006"

// expandDate replaces {date} with the ddmmyyyy stamp of t.
func expandDate(pattern string, t time.Time) string {
	return strings.ReplaceAll(pattern, "{date}", t.Format(DateStamp))
}

var errNoMatch = errors.New("no matching file")

// newestMatch returns the most recently modified regular file in folder
// whose name matches the glob pattern.
func newestMatch(folder, pattern string) (string, os.FileInfo, error) {
	matches, err := filepath.Glob(filepath.Join(folder, pattern))
	if err != nil {
		return "", nil, fmt.Errorf("bad file pattern %q: %w", pattern, err)
	}

	var (
		newest string
		info   os.FileInfo
	)
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		if info == nil || fi.ModTime().After(info.ModTime()) {
			newest, info = m, fi
		}
	}
	if info == nil {
		return "", nil, fmt.Errorf("%w for %s in %s", errNoMatch, pattern, folder)
	}
	return newest, info, nil
}

// partPath is where an output file is written before it is renamed into
// place, so readers of output folders never see a half-written file.
func partPath(path string) string {
	return path + ".part"
}

// commitFile renames the part file into place and returns its size.
func commitFile(path string) (int64, error) {
	if err := os.Rename(partPath(path), path); err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func discardFile(path string) {
	_ = os.Remove(partPath(path))
}

func parseDelimiter(s string) (rune, error) {
	if s == "" {
		return ',', nil
	}
	if s == `\t` {
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r, nil
}
