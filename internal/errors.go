package internal

import "errors"

var (
	ErrDecode            = errors.New("image could not be decoded")
	ErrModelUnavailable  = errors.New("feature extractor model unavailable")
	ErrIndexUnavailable  = errors.New("similarity index unavailable")
	ErrIndexLoad         = errors.New("similarity index artifacts malformed")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrIndexClosed       = errors.New("similarity index closed")
	ErrSearchUnavailable = errors.New("similarity search unavailable")
	ErrCaseNotFound      = errors.New("atlas case not found")

	ErrBlobNotFound      = errors.New("blob not found")
	ErrNoAnalysis        = errors.New("no analysis found")
	ErrInvalidOracleJSON = errors.New("oracle returned invalid JSON")
	ErrEmptyPrompt       = errors.New("prompt is empty")
	ErrNoFile            = errors.New("no file uploaded")
)
