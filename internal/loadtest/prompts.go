package loadtest

import (
	"context"
	"fmt"

	"github.com/triton-loadgen/triton-loadgen/internal/tokenizer"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// BuildPromptPool tokenizes every prompt once, before any worker starts.
// A missing tokenizer for text prompts is a SetupError.
func BuildPromptPool(ctx context.Context, tok tokenizer.Tokenizer, pf *tokenizer.PromptFile) ([]models.TokenSequence, error) {
	if pf == nil || len(pf.Prompts) == 0 {
		return nil, NewSetupError("prompts", ErrNoPrompts)
	}
	if tok == nil && pf.NeedsTokenizer() {
		return nil, NewSetupError("tokenizer", tokenizer.ErrUnavailable)
	}

	pool := make([]models.TokenSequence, 0, len(pf.Prompts))
	for i, p := range pf.Prompts {
		if p.Pretokenized() {
			pool = append(pool, p.TokenSequence())
			continue
		}
		ids, err := tok.Encode(ctx, p.Text)
		if err != nil {
			return nil, NewSetupError("tokenizer", fmt.Errorf("prompt %d: %w", i, err))
		}
		pool = append(pool, ids)
	}
	return pool, nil
}
