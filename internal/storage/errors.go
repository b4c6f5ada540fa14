package storage

import "errors"

var (
	errInvalidPages   = errors.New("pages is not valid JSON")
	errInvalidSidecar = errors.New("sidecar content is not valid JSON")
)
