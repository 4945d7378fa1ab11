package upstream

import (
	"encoding/base64"
	"testing"

	"github.com/openlumo/lumo-proxy/internal/crypto"
)

// identityWrapper skips PGP so tests can recover the request key.
func identityWrapper(requestKey []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(requestKey), nil
}

func testClient() *Client {
	return &Client{wrapKey: identityWrapper}
}

func TestBuildEnvelopeEncryptsTurns(t *testing.T) {
	c := testClient()
	turns := []Turn{
		{Role: RoleUser, Content: "Hello"},
		{Role: RoleAssistant, Content: "Hi there"},
	}

	envelope, requestKey, requestID, err := c.buildEnvelope(turns, ChatOptions{})
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}
	if requestID == "" {
		t.Fatal("empty request id")
	}
	if envelope.Prompt.Type != "generation_request" {
		t.Errorf("prompt type = %q", envelope.Prompt.Type)
	}
	if len(envelope.Prompt.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(envelope.Prompt.Turns))
	}

	ad := requestTurnAD(requestID)
	for i, turn := range envelope.Prompt.Turns {
		if !turn.Encrypted {
			t.Errorf("turn %d not marked encrypted", i)
		}
		plain, err := crypto.OpenString(requestKey, turn.Content, ad)
		if err != nil {
			t.Fatalf("turn %d failed decryption: %v", i, err)
		}
		if plain != turns[i].Content {
			t.Errorf("turn %d = %q, want %q", i, plain, turns[i].Content)
		}
	}

	// The wrong AD must not decrypt.
	if _, err := crypto.OpenString(requestKey, envelope.Prompt.Turns[0].Content, responseChunkAD(requestID)); err == nil {
		t.Error("turn decrypted under the response AD")
	}
}

func TestBuildEnvelopeTargetsAndTools(t *testing.T) {
	c := testClient()
	turns := []Turn{{Role: RoleUser, Content: "hi"}}

	envelope, _, _, err := c.buildEnvelope(turns, ChatOptions{RequestTitle: true, EnableExternalTools: true})
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}

	if got := envelope.Prompt.Targets; len(got) != 2 || got[0] != "message" || got[1] != "title" {
		t.Errorf("targets = %v", got)
	}
	if got := envelope.Prompt.Options.Tools; len(got) != 1+len(externalTools) {
		t.Errorf("tools = %v", got)
	}

	envelope, _, _, _ = c.buildEnvelope(turns, ChatOptions{})
	if got := envelope.Prompt.Targets; len(got) != 1 || got[0] != "message" {
		t.Errorf("targets without title = %v", got)
	}
	if got := envelope.Prompt.Options.Tools; len(got) != 1 || got[0] != "proton_info" {
		t.Errorf("base tools = %v", got)
	}
}

func TestInjectInstructionsFirstUser(t *testing.T) {
	turns := []Turn{
		{Role: RoleAssistant, Content: "welcome"},
		{Role: RoleUser, Content: "question one"},
		{Role: RoleUser, Content: "question two"},
	}

	out := injectInstructions(turns, ChatOptions{Instructions: "be brief", InjectInstructionsInto: InjectFirst})
	if out[1].Content != "be brief\n\nquestion one" {
		t.Errorf("first user turn = %q", out[1].Content)
	}
	if out[2].Content != "question two" {
		t.Errorf("second user turn modified: %q", out[2].Content)
	}
	// Input slice untouched.
	if turns[1].Content != "question one" {
		t.Error("injectInstructions mutated its input")
	}
}

func TestInjectInstructionsLastUser(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "one"},
		{Role: RoleUser, Content: "two"},
	}

	out := injectInstructions(turns, ChatOptions{Instructions: "x", InjectInstructionsInto: InjectLast})
	if out[0].Content != "one" {
		t.Errorf("first turn = %q", out[0].Content)
	}
	if out[1].Content != "x\n\ntwo" {
		t.Errorf("last turn = %q", out[1].Content)
	}
}

func TestInjectInstructionsNoUserTurn(t *testing.T) {
	turns := []Turn{{Role: RoleAssistant, Content: "hi"}}

	out := injectInstructions(turns, ChatOptions{Instructions: "sys", InjectInstructionsInto: InjectFirst})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Role != RoleSystem || out[0].Content != "sys" {
		t.Errorf("leading turn = %+v", out[0])
	}
}

func TestInjectInstructionsEmpty(t *testing.T) {
	turns := []Turn{{Role: RoleUser, Content: "hi"}}
	out := injectInstructions(turns, ChatOptions{})
	if out[0].Content != "hi" {
		t.Errorf("turn = %q", out[0].Content)
	}
}
