// jscomplete/property_store.go
// Session-scoped property storage keyed per resource.
package jscomplete

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ResourceID identifies a project or file resource in a PropertyStore.
type ResourceID string

// PropertyKey is a qualified property name, e.g. "jscomplete.JSUnit".
type PropertyKey string

const (
	propertyQualifier = "jscomplete."

	keyProjectAnalysis     PropertyKey = propertyQualifier + "JSProject"
	keyMemberFiles         PropertyKey = propertyQualifier + "Files"
	keyCompilationUnit     PropertyKey = propertyQualifier + "JSUnit"
	keyReferencedProjects  PropertyKey = propertyQualifier + "ReferencedProjects"
	keyGeneratedByCompiler PropertyKey = propertyQualifier + "GeneratedByCompiler"
)

func projectResource(p ProjectID) ResourceID { return ResourceID("project:" + string(p)) }
func fileResource(f FileID) ResourceID       { return ResourceID("file:" + string(f)) }

// PropertyStore holds in-memory properties attached to resources for the
// lifetime of a session. Setting a nil value removes the property.
// Implementations report failures wrapped with ErrStorageAccess.
type PropertyStore interface {
	SetProperty(res ResourceID, key PropertyKey, value any) error
	Property(res ResourceID, key PropertyKey) (any, error)
}

type propertyEntryKey struct {
	res ResourceID
	key PropertyKey
}

// SessionPropertyStore is the default PropertyStore. It is safe for concurrent use;
// readers see either the previous or the new value of a property, never a partial one.
type SessionPropertyStore struct {
	props  sync.Map // propertyEntryKey -> any
	closed atomic.Bool
	logger *slog.Logger
}

// NewSessionPropertyStore creates an empty, open store.
func NewSessionPropertyStore(logger *slog.Logger) *SessionPropertyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionPropertyStore{logger: logger.With("component", "SessionPropertyStore")}
}

// SetProperty implements PropertyStore.
func (s *SessionPropertyStore) SetProperty(res ResourceID, key PropertyKey, value any) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: set %s on %s: session closed", ErrStorageAccess, key, res)
	}
	k := propertyEntryKey{res: res, key: key}
	if value == nil {
		s.props.Delete(k)
		return nil
	}
	s.props.Store(k, value)
	return nil
}

// Property implements PropertyStore. A missing property is (nil, nil).
func (s *SessionPropertyStore) Property(res ResourceID, key PropertyKey) (any, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: get %s on %s: session closed", ErrStorageAccess, key, res)
	}
	v, _ := s.props.Load(propertyEntryKey{res: res, key: key})
	return v, nil
}

// DropResource removes every property attached to res.
func (s *SessionPropertyStore) DropResource(res ResourceID) {
	dropped := 0
	s.props.Range(func(k, _ any) bool {
		if ek, ok := k.(propertyEntryKey); ok && ek.res == res {
			s.props.Delete(k)
			dropped++
		}
		return true
	})
	s.logger.Debug("Dropped resource properties", "resource", res, "count", dropped)
}

// Close ends the session. Subsequent accesses fail with ErrStorageAccess.
func (s *SessionPropertyStore) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.props.Clear()
		s.logger.Info("Session property store closed")
	}
}
