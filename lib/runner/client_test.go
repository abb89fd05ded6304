// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
)

func TestReadTextFileWindow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, test := range []struct {
		name        string
		line, limit int
		want        string
	}{
		{"whole file", 0, 0, "one\ntwo\nthree\nfour\n"},
		{"from line", 3, 0, "three\nfour\n"},
		{"window", 2, 2, "two\nthree\n"},
		{"past end", 9, 1, ""},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := fileHandler{}.read(path, test.line, test.limit)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got != test.want {
				t.Errorf("content = %q, want %q", got, test.want)
			}
		})
	}
}

func TestTextFileRequiresAbsolutePath(t *testing.T) {
	t.Parallel()

	_, err := fileHandler{}.read("relative.txt", 0, 0)
	var requestErr *acpsdk.RequestError
	if !errors.As(err, &requestErr) || requestErr.Code != codeInvalidParams {
		t.Errorf("read error = %v, want invalid params", err)
	}
	if err := (fileHandler{}).write("relative.txt", "x"); !errors.As(err, &requestErr) {
		t.Errorf("write error = %v, want invalid params", err)
	}
}

func TestWriteTextFileCreatesParents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "out.txt")
	if err := (fileHandler{}).write(path, "written"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "written" {
		t.Errorf("file = %q, %v; want %q", data, err, "written")
	}
}

func TestChoosePermission(t *testing.T) {
	t.Parallel()

	option := func(id, kind string) acpsdk.PermissionOption {
		return acpsdk.PermissionOption{OptionId: acpsdk.PermissionOptionId(id), Name: id, Kind: acpsdk.PermissionOptionKind(kind)}
	}
	for _, test := range []struct {
		name    string
		options []acpsdk.PermissionOption
		want    string
	}{
		{"prefers always", []acpsdk.PermissionOption{option("r", "reject_once"), option("o", "allow_once"), option("a", "allow_always")}, "a"},
		{"then once", []acpsdk.PermissionOption{option("r", "reject_once"), option("o", "allow_once")}, "o"},
		{"falls back to first", []acpsdk.PermissionOption{option("x", "reject_always"), option("y", "reject_once")}, "x"},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := choosePermission(test.options); string(got.OptionId) != test.want {
				t.Errorf("chose %q, want %q", got.OptionId, test.want)
			}
		})
	}
}
