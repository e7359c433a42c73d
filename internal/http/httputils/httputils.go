package httputils

import (
	"net/url"
	"strconv"
)

// GetQueryParam returns a pointer to the query parameter value if it exists, otherwise nil.
func GetQueryParam(values url.Values, key string) *string {
	if values.Has(key) {
		val := values.Get(key)
		return &val
	}
	return nil
}

// GetInt64QueryParam parses the query parameter as int64. A missing parameter yields defaultValue.
func GetInt64QueryParam(values url.Values, key string, defaultValue int64) (int64, error) {
	val := GetQueryParam(values, key)
	if val == nil || *val == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(*val, 10, 64)
}
