// jscomplete/jscomplete_errors.go
// Contains exported error definitions for the jscomplete package.
package jscomplete

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrStorageAccess indicates the resource property store could not be read or written.
	// Best-effort readers treat it as "no value".
	ErrStorageAccess = errors.New("resource storage access failed")

	// ErrOutOfRange indicates an offset outside the bounds of a text buffer.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrManifest indicates a project manifest is missing or malformed.
	ErrManifest = errors.New("project manifest error")

	// ErrBuildFailed indicates one or more files of a project could not be compiled.
	ErrBuildFailed = errors.New("project build failed")

	// ErrCache indicates a general cache operation failure.
	ErrCache = errors.New("cache operation failed")

	// ErrCacheRead indicates failure reading from the cache.
	ErrCacheRead = errors.New("cache read failed")

	// ErrCacheWrite indicates failure writing to the cache.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCacheDecode indicates failure decoding data read from the cache.
	ErrCacheDecode = errors.New("cache decode failed")

	// ErrCacheEncode indicates failure encoding data for writing to the cache.
	ErrCacheEncode = errors.New("cache encode failed")

	// ErrPositionConversion indicates failure converting between position formats (e.g., LSP <-> byte offset).
	ErrPositionConversion = errors.New("position conversion failed")

	// ErrInvalidPositionInput indicates input position values (line/col) are invalid.
	ErrInvalidPositionInput = errors.New("invalid input position")

	// ErrPositionOutOfRange indicates a position is outside the valid bounds of the file or line.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrInvalidUTF8 indicates an invalid UTF-8 sequence was encountered during processing.
	ErrInvalidUTF8 = errors.New("invalid utf-8 sequence")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")
)
