package upstream

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/openlumo/lumo-proxy/internal/crypto"
)

// KeyWrapper encrypts the raw per-request AES key for transport.
// The default implementation PGP-encrypts against the upstream's
// long-lived public key; tests inject a fake.
type KeyWrapper func(requestKey []byte) (string, error)

// requestTurnAD binds encrypted turns to their request.
func requestTurnAD(requestID string) string {
	return "lumo.request." + requestID + ".turn"
}

// responseChunkAD binds response chunks to their request. This is
// deliberately coarser than the turn AD: one value for every target.
func responseChunkAD(requestID string) string {
	return "lumo.response." + requestID + ".chunk"
}

// buildEnvelope assembles the encrypted request body. It returns the
// envelope, the per-request key needed to decrypt response chunks, and
// the request id.
func (c *Client) buildEnvelope(turns []Turn, opts ChatOptions) (*promptEnvelope, []byte, string, error) {
	requestKey, err := crypto.NewKey()
	if err != nil {
		return nil, nil, "", err
	}
	requestID := uuid.New().String()

	wrapped, err := c.wrapKey(requestKey)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to wrap request key: %w", err)
	}

	prepared := injectInstructions(turns, opts)

	encrypted := make([]Turn, len(prepared))
	ad := requestTurnAD(requestID)
	for i, turn := range prepared {
		ciphertext, err := crypto.SealString(requestKey, turn.Content, ad)
		if err != nil {
			return nil, nil, "", fmt.Errorf("failed to encrypt turn %d: %w", i, err)
		}
		encrypted[i] = Turn{Role: turn.Role, Content: ciphertext, Encrypted: true}
	}

	targets := []string{targetMessage}
	if opts.RequestTitle {
		targets = append(targets, targetTitle)
	}

	tools := append([]string(nil), baseTools...)
	if opts.EnableExternalTools {
		tools = append(tools, externalTools...)
	}

	envelope := &promptEnvelope{
		Prompt: promptBody{
			Type:       "generation_request",
			Turns:      encrypted,
			Options:    promptOptions{Tools: tools},
			Targets:    targets,
			RequestKey: wrapped,
			RequestID:  requestID,
		},
	}

	return envelope, requestKey, requestID, nil
}

// injectInstructions prefixes the instructions onto the first or last
// user turn. When no user turn exists the instructions become a
// leading system turn.
func injectInstructions(turns []Turn, opts ChatOptions) []Turn {
	if opts.Instructions == "" {
		return turns
	}

	out := make([]Turn, len(turns))
	copy(out, turns)

	idx := -1
	for i, turn := range out {
		if turn.Role != RoleUser {
			continue
		}
		idx = i
		if opts.InjectInstructionsInto != InjectLast {
			break
		}
	}

	if idx == -1 {
		return append([]Turn{{Role: RoleSystem, Content: opts.Instructions}}, out...)
	}

	var b strings.Builder
	b.WriteString(opts.Instructions)
	b.WriteString("\n\n")
	b.WriteString(out[idx].Content)
	out[idx].Content = b.String()
	return out
}
