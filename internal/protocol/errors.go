package protocol

import "errors"

var (
	ErrUnknownEntityType = errors.New("protocol: unknown entity type")
	ErrInvalidAddr       = errors.New("protocol: invalid address")
	ErrInvalidEntityName = errors.New("protocol: invalid entity name")
	ErrUnknownFeature    = errors.New("protocol: unknown feature")
)
