package embedding

import "context"

// MaxInputChars bounds embedding input length; longer inputs fail
// validation before reaching this package.
const MaxInputChars = 32000

// Service defines the interface for embedding operations. The returned tag
// identifies the embedding model/version; vectors carrying different tags
// are never compared against each other.
type Service interface {
	Embed(ctx context.Context, text string, contextText string) ([]float32, string, error)
}
