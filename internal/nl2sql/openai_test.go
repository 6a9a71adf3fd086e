package nl2sql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAITranslatorSendsPromptAndQuestion(t *testing.T) {
	var got chatRequest
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT COUNT(*) FROM df;"}}]}`))
	}))
	defer srv.Close()

	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: srv.URL + "/", APIKey: "k1", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	result, err := translator.Translate(context.Background(), Request{SystemPrompt: "system text", Question: " how many rows? "})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer k1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[0].Content != "system text" {
		t.Fatalf("messages = %#v", got.Messages)
	}
	if got.Messages[1].Role != "user" || got.Messages[1].Content != "how many rows?" {
		t.Fatalf("user message = %#v", got.Messages[1])
	}
	if result.Text != "SELECT COUNT(*) FROM df;" {
		t.Fatalf("Text = %q", result.Text)
	}
	if result.Provider != providerOpenAI || result.Model != "gpt-test" {
		t.Fatalf("provider/model = %q/%q", result.Provider, result.Model)
	}
}

func TestOpenAITranslatorSurfacesProviderErrors(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter){
		"status": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad key"}`))
		},
		"no choices": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		},
		"empty text": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  "}}]}`))
		},
		"malformed": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				respond(w)
			}))
			defer srv.Close()

			translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: srv.URL, APIKey: "k1", Model: "gpt-test"})
			if err != nil {
				t.Fatalf("NewOpenAITranslator() error = %v", err)
			}
			result, err := translator.Translate(context.Background(), Request{SystemPrompt: "p", Question: "q"})
			if err == nil {
				t.Fatal("expected error")
			}
			if result.Provider != providerOpenAI || result.Model != "gpt-test" {
				t.Fatalf("result = %#v", result)
			}
		})
	}
}

func TestNewOpenAITranslatorValidatesConfig(t *testing.T) {
	if _, err := NewOpenAITranslator(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected base URL error")
	}
	if _, err := NewOpenAITranslator(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected api key error")
	}
}
