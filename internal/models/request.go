// Package models - API request types and input validation.
//
// Validation Philosophy:
// - Fail fast with clear error messages for invalid input
// - Reject requests that would waste outbound quota (empty inputs, oversized batches)
package models

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks an embedding request against the configured batch ceiling.
// A maxBatch of zero disables the ceiling.
func (r *EmbeddingRequest) Validate(maxBatch int) error {
	if len(r.Input) == 0 {
		return errors.New("input must contain at least one text")
	}

	if maxBatch > 0 && len(r.Input) > maxBatch {
		return fmt.Errorf("input has %d texts, maximum is %d", len(r.Input), maxBatch)
	}

	for i, text := range r.Input {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("input[%d] is empty", i)
		}
	}

	return nil
}
