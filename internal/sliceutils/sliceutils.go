package sliceutils

func Map[S any, T any](f func(s S) T, sourceArray []S) []T {
	targetArray := make([]T, 0, len(sourceArray))
	for _, sourceElement := range sourceArray {
		targetElement := f(sourceElement)
		targetArray = append(targetArray, targetElement)
	}
	return targetArray
}

func Filter[T any](keep func(t T) bool, sourceArray []T) []T {
	targetArray := []T{}
	for _, sourceElement := range sourceArray {
		if keep(sourceElement) {
			targetArray = append(targetArray, sourceElement)
		}
	}
	return targetArray
}

// GroupBy partitions sourceArray by key. The returned key slice keeps first-seen order.
func GroupBy[T any, K comparable](key func(t T) K, sourceArray []T) ([]K, map[K][]T) {
	keys := []K{}
	groups := map[K][]T{}
	for _, sourceElement := range sourceArray {
		k := key(sourceElement)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], sourceElement)
	}
	return keys, groups
}

func ToSet[T comparable](sourceArray []T) map[T]struct{} {
	set := make(map[T]struct{}, len(sourceArray))
	for _, sourceElement := range sourceArray {
		set[sourceElement] = struct{}{}
	}
	return set
}

// SetEquals reports whether a and b hold the same elements, ignoring order and duplicates.
func SetEquals[T comparable](a []T, b []T) bool {
	setA := ToSet(a)
	setB := ToSet(b)
	if len(setA) != len(setB) {
		return false
	}
	for k := range setA {
		if _, ok := setB[k]; !ok {
			return false
		}
	}
	return true
}
