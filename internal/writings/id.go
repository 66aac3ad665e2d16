package writings

import "github.com/google/uuid"

// IDProvider issues identifiers for new writings.
type IDProvider interface {
	NewID() (string, error)
}

// IDProviderFunc adapts a function to IDProvider.
type IDProviderFunc func() (string, error)

// NewID calls f.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7 identifiers,
// so writings created on different replicas never share an id.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return value.String(), nil
	})
}
