package contrib

import (
	"context"
	"strings"
)

func init() {
	Register("local", newLocalClient)
}

// localCharsPerToken mirrors the 4-chars-per-token heuristic
// distill.PlanChunks uses elsewhere in this repo for token budgeting
// without a real tokenizer.
const localCharsPerToken = 4

// localClient is the zero-cost, zero-network synthesis provider: it
// makes no external call at all, deterministically concatenating the
// source chunks and truncating to the requested token budget. It exists
// so a workspace with no model credentials configured can still run L2
// synthesis end to end, at the cost of producing a document that is
// just its inputs joined together rather than an actual rewrite.
type localClient struct{}

func newLocalClient(options map[string]string) (Client, error) {
	return localClient{}, nil
}

func (localClient) Synthesise(ctx context.Context, req SynthesisRequest) (SynthesisResponse, error) {
	document := strings.Join(req.SourceChunks, "\n\n")
	if budget := req.MaxOutputTokens * localCharsPerToken; budget > 0 && len(document) > budget {
		document = document[:budget]
	}
	return SynthesisResponse{Document: document}, nil
}
