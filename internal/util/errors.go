package util

import "errors"

var (
	ErrNoExtractableText = errors.New("no extractable text found in PDF")

	ErrDocumentNotFound = errors.New("document not found")
	ErrPageOutOfRange   = errors.New("page number out of range")

	ErrProviderAuth      = errors.New("recognition provider authentication failed")
	ErrProviderTransient = errors.New("transient recognition provider error")
	ErrEmptyRecognition  = errors.New("recognition produced no usable fragments")
)
