package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/mock"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest(prompt string) models.GenerationRequest {
	return models.GenerationRequest{Prompt: prompt, Model: "gpt-3.5-turbo"}
}

func TestNewMockGenerator(t *testing.T) {
	g := mock.NewMockGenerator()
	assert.Equal(t, "mock", g.Name())

	out, err := g.Generate(context.Background(), sampleRequest("What is AI?"))
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: What is AI?", out.Content)
	assert.Equal(t, mock.DefaultTokens, out.Tokens)
}

func TestMockGenerator_RecordsCalls(t *testing.T) {
	g := mock.NewMockGenerator()
	_, _ = g.Generate(context.Background(), sampleRequest("a"))
	_, _ = g.Generate(context.Background(), sampleRequest("b"))

	calls := g.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Prompt)
	assert.Equal(t, "b", calls[1].Prompt)
}

func TestMockGenerator_NilFunc(t *testing.T) {
	g := &mock.MockGenerator{Name_: "empty"}
	out, err := g.Generate(context.Background(), sampleRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, models.Generation{}, out)
}

func TestNewSlowGenerator_Delays(t *testing.T) {
	g := mock.NewSlowGenerator(50 * time.Millisecond)

	start := time.Now()
	_, err := g.Generate(context.Background(), sampleRequest("x"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestNewSlowGenerator_HonorsDeadline(t *testing.T) {
	g := mock.NewSlowGenerator(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, sampleRequest("x"))
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

func TestNewFailingGenerator(t *testing.T) {
	want := errors.New("boom")
	g := mock.NewFailingGenerator(want)

	_, err := g.Generate(context.Background(), sampleRequest("x"))
	assert.ErrorIs(t, err, want)
	assert.Equal(t, "mock-failing", g.Name())
}

func TestNewFailOnPrompts(t *testing.T) {
	want := errors.New("bad prompt")
	g := mock.NewFailOnPrompts(want, "fail me")

	_, err := g.Generate(context.Background(), sampleRequest("fail me"))
	assert.ErrorIs(t, err, want)

	out, err := g.Generate(context.Background(), sampleRequest("fine"))
	require.NoError(t, err)
	assert.Equal(t, mock.DefaultTokens, out.Tokens)
}

func TestNewFailOnIndexes(t *testing.T) {
	want := errors.New("bad prompt")
	g := mock.NewFailOnIndexes(want, 1, 3)

	var failed []int
	for i := 0; i < 4; i++ {
		if _, err := g.Generate(context.Background(), sampleRequest("same")); err != nil {
			assert.ErrorIs(t, err, want)
			failed = append(failed, i)
		}
	}
	assert.Equal(t, []int{1, 3}, failed)
	assert.Len(t, g.Calls(), 4)
}

func TestNewTimeoutGenerator(t *testing.T) {
	g := mock.NewTimeoutGenerator()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, sampleRequest("x"))
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}
