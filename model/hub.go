package model

import (
	"fmt"
	"strings"
)

// Hub describes the hub stamping outgoing deliveries: the signature
// algorithm in use and the advertised hub URL for Link headers.
type Hub struct {
	Hasher string `json:"hasher"`
	URL    string `json:"url"`
}

// ValidationError reports malformed fields in a subscribe, unsubscribe or
// publish request. It is surfaced synchronously to the caller.
type ValidationError struct {
	Fields map[string]interface{}
}

func (v ValidationError) Error() string {
	ret := make([]string, 0)

	for key, val := range v.Fields {
		ret = append(ret, fmt.Sprintf("%s=%v", key, val))
	}

	return strings.Join(ret, ", ")
}
