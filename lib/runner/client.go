// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// fileHandler serves the fs/* methods an ACP agent may call on its
// client.
type fileHandler struct{}

func invalidParams(format string, args ...any) *acpsdk.RequestError {
	return &acpsdk.RequestError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// read returns a file's content. line is 1-based; limit caps the
// number of lines returned.
func (fileHandler) read(path string, line, limit int) (string, error) {
	if !filepath.IsAbs(path) {
		return "", invalidParams("fs/read_text_file: path must be absolute: %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(data)
	if line > 1 || limit > 0 {
		lines := strings.SplitAfter(content, "\n")
		start := max(line-1, 0)
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "")
	}
	return content, nil
}

func (fileHandler) write(path, content string) error {
	if !filepath.IsAbs(path) {
		return invalidParams("fs/write_text_file: path must be absolute: %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// choosePermission picks the answer to session/request_permission.
// Conductor runs agents unattended, so the broadest allow option wins.
// options must not be empty.
func choosePermission(options []acpsdk.PermissionOption) acpsdk.PermissionOption {
	rank := func(kind acpsdk.PermissionOptionKind) int {
		switch string(kind) {
		case "allow_always":
			return 2
		case "allow_once":
			return 1
		}
		return 0
	}
	chosen := options[0]
	for _, option := range options[1:] {
		if rank(option.Kind) > rank(chosen.Kind) {
			chosen = option
		}
	}
	return chosen
}
