package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderUserText(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		params map[string]interface{}
		want   string
	}{
		{
			name: "single placeholder",
			text: "question\nContext: {question_answer_context}",
			params: map[string]interface{}{
				"question_answer_context": "doc A\ndoc B",
			},
			want: "question\nContext: doc A\ndoc B",
		},
		{
			name:   "no params keeps text",
			text:   "Context: {question_answer_context}",
			params: nil,
			want:   "Context: {question_answer_context}",
		},
		{
			name: "missing placeholder kept as-is",
			text: "{known} and {unknown}",
			params: map[string]interface{}{
				"known": "value",
			},
			want: "value and {unknown}",
		},
		{
			name: "non-string params skipped",
			text: "{count}",
			params: map[string]interface{}{
				"count": 42,
			},
			want: "{count}",
		},
		{
			name: "empty context value",
			text: "Context: {question_answer_context}",
			params: map[string]interface{}{
				"question_answer_context": "",
			},
			want: "Context: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderUserText(tt.text, tt.params))
		})
	}
}

func TestNewCallerValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewCaller(ctx, &CallerConfig{Model: "gpt-4o"})
	assert.Error(t, err)

	_, err = NewCaller(ctx, &CallerConfig{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewCaller(ctx, &CallerConfig{Provider: "gemini", APIKey: "k", Model: "m"})
	assert.Error(t, err)
}
