// jscomplete/jscomplete_utils_test.go
package jscomplete

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLspPositionToBytePosition(t *testing.T) {
	// Line 1 holds a 2-byte rune (é) and a 4-byte rune that is a surrogate pair in UTF-16.
	content := []byte("line one\ntwo é 😂\nthree €\n")

	tests := []struct {
		name       string
		content    []byte
		pos        LSPPosition
		wantLine   int
		wantCol    int
		wantOffset int
		wantErr    error
	}{
		{name: "start of file", content: content, pos: LSPPosition{Line: 0, Character: 0}, wantLine: 1, wantCol: 1, wantOffset: 0},
		{name: "ascii", content: content, pos: LSPPosition{Line: 1, Character: 4}, wantLine: 2, wantCol: 5, wantOffset: 13},
		{name: "after two-byte rune", content: content, pos: LSPPosition{Line: 1, Character: 5}, wantLine: 2, wantCol: 7, wantOffset: 15},
		{name: "inside surrogate pair", content: content, pos: LSPPosition{Line: 1, Character: 7}, wantLine: 2, wantCol: 8, wantOffset: 16},
		{name: "after surrogate pair", content: content, pos: LSPPosition{Line: 1, Character: 8}, wantLine: 2, wantCol: 12, wantOffset: 20},
		{name: "three-byte rune", content: content, pos: LSPPosition{Line: 2, Character: 7}, wantLine: 3, wantCol: 10, wantOffset: 30},
		{name: "empty last line", content: content, pos: LSPPosition{Line: 3, Character: 0}, wantLine: 4, wantCol: 1, wantOffset: 31},
		{name: "character clamped", content: content, pos: LSPPosition{Line: 0, Character: 10}, wantLine: 1, wantCol: 9, wantOffset: 8},
		{name: "line past end", content: content, pos: LSPPosition{Line: 4, Character: 0}, wantErr: ErrPositionOutOfRange},
		{name: "nil content", content: nil, pos: LSPPosition{}, wantErr: ErrPositionConversion},
		{name: "crlf clamps before CR", content: []byte("ab\r\ncd"), pos: LSPPosition{Line: 0, Character: 5}, wantLine: 1, wantCol: 3, wantOffset: 2},
		{name: "crlf second line", content: []byte("ab\r\ncd"), pos: LSPPosition{Line: 1, Character: 1}, wantLine: 2, wantCol: 2, wantOffset: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, col, offset, err := LspPositionToBytePosition(tt.content, tt.pos, testLogger())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if line != tt.wantLine || col != tt.wantCol || offset != tt.wantOffset {
				t.Errorf("got (line %d, col %d, offset %d), want (%d, %d, %d)", line, col, offset, tt.wantLine, tt.wantCol, tt.wantOffset)
			}
		})
	}
}

func TestUtf16OffsetToBytes(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		offset  int
		want    int
		wantErr error
	}{
		{name: "zero", line: "abc", offset: 0, want: 0},
		{name: "ascii", line: "abc", offset: 2, want: 2},
		{name: "end", line: "abc", offset: 3, want: 3},
		{name: "beyond", line: "abc", offset: 4, want: 3, wantErr: ErrPositionOutOfRange},
		{name: "negative", line: "abc", offset: -1, wantErr: ErrInvalidPositionInput},
		{name: "bmp rune", line: "é!", offset: 1, want: 2},
		{name: "surrogate pair", line: "😂x", offset: 2, want: 4},
		{name: "mid surrogate", line: "😂x", offset: 1, want: 0},
		{name: "invalid utf8", line: "a\xffb", offset: 2, want: 1, wantErr: ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Utf16OffsetToBytes([]byte(tt.line), tt.offset)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				if tt.wantErr != ErrInvalidPositionInput && got != tt.want {
					t.Errorf("offset = %d, want %d", got, tt.want)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Utf16OffsetToBytes() = %d, %v; want %d, nil", got, err, tt.want)
			}
		})
	}
}

func TestByteOffsetToLSPPosition(t *testing.T) {
	content := []byte("line one\ntwo é 😂\nthree €\n")
	tests := []struct {
		offset int
		want   LSPPosition
	}{
		{0, LSPPosition{Line: 0, Character: 0}},
		{8, LSPPosition{Line: 0, Character: 8}},
		{9, LSPPosition{Line: 1, Character: 0}},
		{16, LSPPosition{Line: 1, Character: 6}},
		{20, LSPPosition{Line: 1, Character: 8}},
		{30, LSPPosition{Line: 2, Character: 7}},
		{31, LSPPosition{Line: 3, Character: 0}},
	}
	for _, tt := range tests {
		got, err := ByteOffsetToLSPPosition(content, tt.offset)
		if err != nil || got != tt.want {
			t.Errorf("ByteOffsetToLSPPosition(%d) = %+v, %v; want %+v", tt.offset, got, err, tt.want)
		}
		// Round trip through the forward conversion.
		_, _, back, err := LspPositionToBytePosition(content, got, testLogger())
		if err != nil || back != tt.offset {
			t.Errorf("round trip of %d = %d, %v", tt.offset, back, err)
		}
	}
	for _, bad := range []int{-1, len(content) + 1} {
		if _, err := ByteOffsetToLSPPosition(content, bad); !errors.Is(err, ErrPositionOutOfRange) {
			t.Errorf("ByteOffsetToLSPPosition(%d) error = %v, want ErrPositionOutOfRange", bad, err)
		}
	}
}

func TestURIConversion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX paths")
	}
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "file uri", input: "file:///home/u/app/a.js", want: "/home/u/app/a.js"},
		{name: "escaped", input: "file:///home/u/my%20app/a.js", want: "/home/u/my app/a.js"},
		{name: "plain path", input: "/home/u/app/../b.js", want: "/home/u/b.js"},
		{name: "empty", input: "  ", wantErr: true},
		{name: "other scheme", input: "untitled://Untitled-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAndGetFilePath(tt.input, testLogger())
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidURI) {
					t.Errorf("error = %v, want ErrInvalidURI", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ValidateAndGetFilePath() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}

	uri, err := PathToURI("/home/u/my app/a.js")
	if err != nil || uri != "file:///home/u/my%20app/a.js" {
		t.Errorf("PathToURI() = %q, %v", uri, err)
	}
	back, err := ValidateAndGetFilePath(uri, testLogger())
	if err != nil || back != "/home/u/my app/a.js" {
		t.Errorf("round trip = %q, %v", back, err)
	}
}

func TestHashes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	if err := os.WriteFile(path, []byte("var a;"), 0o644); err != nil {
		t.Fatal(err)
	}
	fromFile, err := hashFileContent(path)
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != hashBytes([]byte("var a;")) {
		t.Error("hashFileContent and hashBytes disagree")
	}
	if _, err := hashFileContent(filepath.Join(dir, "missing.js")); err == nil {
		t.Error("hashFileContent(missing) succeeded")
	}

	if got := calculateManifestHash(&ProjectManifest{Root: dir}); got != "no-manifest" {
		t.Errorf("calculateManifestHash(synthesized) = %q", got)
	}
	if got := calculateManifestHash(&ProjectManifest{Path: path}); got != fromFile {
		t.Errorf("calculateManifestHash() = %q, want file hash", got)
	}

	cached := map[FileID]string{"/a.js": "1", "/b.js": "2"}
	tests := []struct {
		name    string
		current map[FileID]string
		want    bool
	}{
		{"equal", map[FileID]string{"/a.js": "1", "/b.js": "2"}, true},
		{"changed", map[FileID]string{"/a.js": "1", "/b.js": "3"}, false},
		{"missing", map[FileID]string{"/a.js": "1"}, false},
		{"extra", map[FileID]string{"/a.js": "1", "/b.js": "2", "/c.js": "4"}, false},
	}
	for _, tt := range tests {
		if got := compareFileHashes(tt.current, cached, testLogger()); got != tt.want {
			t.Errorf("compareFileHashes(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
