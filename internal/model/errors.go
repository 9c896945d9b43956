package model

import "github.com/rotisserie/eris"

var (
	// ErrUnknownTenant means no organization matches a webhook's tenant key.
	ErrUnknownTenant = eris.New("unknown tenant")
	// ErrMalformedPayload means a webhook lacks required fields.
	ErrMalformedPayload = eris.New("malformed payload")
	// ErrParseFailure means model output contained nothing extractable.
	ErrParseFailure = eris.New("parse failure")
	// ErrValidation means a stored value violates a domain constraint.
	ErrValidation = eris.New("validation failed")
	// ErrNotFound means a requested row does not exist.
	ErrNotFound = eris.New("not found")
)
