package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/evm-agent-wallet/internal/config"
	"github.com/ggonzalez94/evm-agent-wallet/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"chain": "base", "amount": "1.5"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"chain"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["chain"] != "base" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["amount"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderSelectDottedPath(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data:    map[string]any{"tx": map[string]any{"hash": "0xabc", "nonce": 3}},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"tx.hash", "missing.field"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out["tx.hash"] != "0xabc" || len(out) != 1 {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"chain": "base", "amount": nil}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "amount=- chain=base" {
		t.Fatalf("unexpected plain output: %q", got)
	}
}

func TestRenderPlainErrorIncludesHints(t *testing.T) {
	env := model.Envelope{
		Success: false,
		Error: &model.ErrorBody{
			Code:        21,
			Type:        "insufficient_funds",
			Kind:        "InsufficientFunds",
			Message:     "insufficient funds for gas",
			Suggestions: []string{"Top up the wallet"},
		},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "plain"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	text := buf.String()
	if !strings.Contains(text, "error[21] InsufficientFunds: insufficient funds for gas") || !strings.Contains(text, "hint: Top up the wallet") {
		t.Fatalf("unexpected plain error: %s", text)
	}
	if strings.Contains(text, "recoverable") {
		t.Fatalf("terminal errors should not be marked recoverable: %s", text)
	}
}
