// jscomplete/jscomplete_utils.go
package jscomplete

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ============================================================================
// Path & URI Helpers
// ============================================================================

// ValidateAndGetFilePath accepts a file:// URI or a plain path and returns the
// cleaned absolute OS path it names.
func ValidateAndGetFilePath(uriOrPath string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(uriOrPath) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidURI)
	}
	path := uriOrPath
	if strings.Contains(uriOrPath, "://") {
		u, err := url.Parse(uriOrPath)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %w", ErrInvalidURI, uriOrPath, err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
		}
		path = u.Path
		// file:///C:/x on Windows parses with a leading slash before the drive letter.
		if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
			path = path[1:]
		}
		path = filepath.FromSlash(path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %q: %w", ErrInvalidURI, uriOrPath, err)
	}
	logger.Debug("Validated file path", "input", uriOrPath, "path", abs)
	return abs, nil
}

// PathToURI converts an OS path into a file:// URI.
func PathToURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidURI, path, err)
	}
	slashed := filepath.ToSlash(abs)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String(), nil
}

// ============================================================================
// LSP Position Conversion Helpers
// ============================================================================

// LspPositionToBytePosition converts 0-based LSP line/character (UTF-16) to
// 1-based line/column (bytes) and a 0-based byte offset.
func LspPositionToBytePosition(content []byte, lspPos LSPPosition, logger *slog.Logger) (line, col, byteOffset int, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if content == nil {
		return 0, 0, -1, fmt.Errorf("%w: file content is nil", ErrPositionConversion)
	}
	targetLine := int(lspPos.Line)
	targetUTF16Char := int(lspPos.Character)

	// Lines are split on '\n' only; a trailing '\r' stays part of its line.
	lineStart := 0
	for currentLine := 0; currentLine < targetLine; currentLine++ {
		nl := bytes.IndexByte(content[lineStart:], '\n')
		if nl < 0 {
			return 0, 0, -1, fmt.Errorf("%w: LSP line %d not found in file (total lines %d)", ErrPositionOutOfRange, targetLine, currentLine+1)
		}
		lineStart += nl + 1
	}
	lineEnd := len(content)
	if nl := bytes.IndexByte(content[lineStart:], '\n'); nl >= 0 {
		lineEnd = lineStart + nl
	}
	lineText := bytes.TrimSuffix(content[lineStart:lineEnd], []byte{'\r'})

	byteOffsetInLine, convErr := Utf16OffsetToBytes(lineText, targetUTF16Char)
	if convErr != nil {
		if !errors.Is(convErr, ErrPositionOutOfRange) {
			return 0, 0, -1, fmt.Errorf("failed converting UTF16 to byte offset on line %d: %w", targetLine, convErr)
		}
		// Clamp to line end.
		logger.Warn("UTF16 offset out of range, clamping to line end", "line", targetLine, "char", targetUTF16Char, "error", convErr)
		byteOffsetInLine = len(lineText)
	}
	return targetLine + 1, byteOffsetInLine + 1, lineStart + byteOffsetInLine, nil
}

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line to a 0-based byte offset.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (int, error) {
	if utf16Offset < 0 {
		return 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	if utf16Offset == 0 {
		return 0, nil
	}

	byteOffset := 0
	currentUTF16Offset := 0
	for byteOffset < len(line) && currentUTF16Offset < utf16Offset {
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		utf16Units := 1
		if r > 0xFFFF {
			utf16Units = 2
		}
		// Target falls inside a surrogate pair.
		if currentUTF16Offset+utf16Units > utf16Offset {
			break
		}
		currentUTF16Offset += utf16Units
		byteOffset += size
	}
	if currentUTF16Offset < utf16Offset && byteOffset >= len(line) {
		return len(line), fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, currentUTF16Offset)
	}
	return byteOffset, nil
}

// ByteOffsetToLSPPosition converts a 0-based byte offset into an LSP position.
func ByteOffsetToLSPPosition(content []byte, offset int) (LSPPosition, error) {
	if offset < 0 || offset > len(content) {
		return LSPPosition{}, fmt.Errorf("%w: byte offset %d (length %d)", ErrPositionOutOfRange, offset, len(content))
	}
	head := content[:offset]
	lineStart := bytes.LastIndexByte(head, '\n') + 1
	var units int
	for _, r := range string(head[lineStart:]) {
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	return LSPPosition{Line: uint32(bytes.Count(head, []byte{'\n'})), Character: uint32(units)}, nil
}

// ============================================================================
// Hash Helpers
// ============================================================================

// calculateManifestHash returns the SHA256 of the project manifest, or a
// marker value for projects without one.
func calculateManifestHash(m *ProjectManifest) string {
	if m == nil || m.Path == "" {
		return "no-manifest"
	}
	hash, err := hashFileContent(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "no-manifest"
		}
		return "read-error"
	}
	return hash
}

// hashFileContent calculates the SHA256 hash of a single file.
func hashFileContent(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashBytes calculates the SHA256 hash of content.
func hashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// compareFileHashes reports whether current and cached hold the same files
// with the same hashes, logging the first difference.
func compareFileHashes(current, cached map[FileID]string, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if len(current) != len(cached) {
		logger.Debug("Index invalid: File count mismatch", "current_count", len(current), "cached_count", len(cached))
		return false
	}
	for file, currentHash := range current {
		cachedHash, ok := cached[file]
		if !ok {
			logger.Debug("Index invalid: File missing from index", "file", file)
			return false
		}
		if currentHash != cachedHash {
			logger.Debug("Index invalid: Hash mismatch", "file", file)
			return false
		}
	}
	return true
}
