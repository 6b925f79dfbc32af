package dialogue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/gemos/internal/history"
	"github.com/MrWong99/gemos/pkg/provider/llm"
	llmmock "github.com/MrWong99/gemos/pkg/provider/llm/mock"
)

func TestBuildMessages(t *testing.T) {
	recent := []history.Entry{
		{Role: history.RoleUser, Content: "hi"},
		{Role: history.RoleAssistant, Content: "Hello!"},
		{Role: "system", Content: "ignored"},
		{Role: history.RoleUser, Content: "   "},
	}
	msgs := BuildMessages("what time is it", recent)
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "Hello!"},
		{Role: llm.RoleUser, Content: "what time is it"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("len = %d, want %d: %+v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestLLM_GenerateReply(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  It is noon.  "}}
	h := NewLLM(p, LLMConfig{})

	reply, err := h.GenerateReply(context.Background(), "what time is it", []history.Entry{
		{Role: history.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if reply != "It is noon." {
		t.Errorf("reply = %q, want %q", reply, "It is noon.")
	}
	if p.CallCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", p.CallCount())
	}
	req := p.CompleteCalls[0].Req
	if req.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != DefaultTemperature || req.MaxTokens != DefaultMaxTokens {
		t.Errorf("Temperature/MaxTokens = %v/%d", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[1].Content != "what time is it" {
		t.Errorf("Messages = %+v", req.Messages)
	}
	if _, ok := p.CompleteCalls[0].Ctx.Deadline(); !ok {
		t.Error("provider context has no deadline")
	}
}

func TestLLM_GenerateReplyErrors(t *testing.T) {
	errBackend := errors.New("backend down")
	tests := []struct {
		name    string
		p       *llmmock.Provider
		wantErr error
	}{
		{"provider error", &llmmock.Provider{CompleteErr: errBackend}, errBackend},
		{"nil response", &llmmock.Provider{}, ErrEmptyReply},
		{"blank reply", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " \n"}}, ErrEmptyReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLLM(tt.p, LLMConfig{}).GenerateReply(context.Background(), "hi", nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLLM_Timeout(t *testing.T) {
	p := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := NewLLM(p, LLMConfig{Timeout: 20 * time.Millisecond})
	_, err := h.GenerateReply(context.Background(), "hi", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestLLM_CustomConfig(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	h := NewLLM(p, LLMConfig{SystemPrompt: "Be brief.", Temperature: -1, MaxTokens: 32})
	if _, err := h.GenerateReply(context.Background(), "hi", nil); err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	req := p.CompleteCalls[0].Req
	if req.SystemPrompt != "Be brief." || req.Temperature != 0 || req.MaxTokens != 32 {
		t.Errorf("request = %+v", req)
	}
}

func TestHandlerFunc(t *testing.T) {
	var h Handler = HandlerFunc(func(_ context.Context, text string, _ []history.Entry) (string, error) {
		return "echo: " + text, nil
	})
	got, _ := h.GenerateReply(context.Background(), "hi", nil)
	if got != "echo: hi" {
		t.Errorf("reply = %q", got)
	}
}
