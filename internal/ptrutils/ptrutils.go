package ptrutils

func ToPtr[T any](val T) *T {
	return &val
}

func MapPtr[T any, E any](ptr *T, fn func(T) E) *E {
	if ptr == nil {
		return nil
	}
	mappedVal := fn(*ptr)
	return &mappedVal
}

// ValueOrDefault dereferences ptr or returns defaultValue for nil.
func ValueOrDefault[T any](ptr *T, defaultValue T) T {
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

// Equal compares two optional values. Two nil pointers are equal.
func Equal[T comparable](a *T, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
