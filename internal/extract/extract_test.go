package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ar-collect/internal/logging"
)

type fakeModel struct {
	reply string
	err   error
}

func (f fakeModel) GenerateContent(context.Context, ...genai.Part) (*genai.GenerateContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(f.reply)}},
	}}}, nil
}

func TestFallbackPatterns(t *testing.T) {
	cases := map[string]int64{
		"Okay, I'll pay $50 today.":           5000,
		"We agreed to pay 1,250.00 by Friday": 125000,
		"I can send 300 dollars as the first": 30000,
		"fine, i can pay $75.50 dollars":      7550,
	}
	for transcript, want := range cases {
		res := Fallback(transcript)
		require.NotNil(t, res.AmountCents, transcript)
		assert.Equal(t, want, *res.AmountCents, transcript)
		assert.Equal(t, ConfidenceLow, res.Confidence)
	}

	none := Fallback("I cannot commit to anything right now")
	assert.Nil(t, none.AmountCents)
}

func TestExtractWithoutKeyUsesFallback(t *testing.T) {
	c, err := New(context.Background(), Config{}, logging.Discard(), nil)
	require.NoError(t, err)

	res, err := c.ExtractAmount(context.Background(), "user: I'll pay $20 today")
	require.NoError(t, err)
	require.NotNil(t, res.AmountCents)
	assert.Equal(t, int64(2000), *res.AmountCents)
	assert.NoError(t, c.Close())
}

func TestExtractUsesModelAnswer(t *testing.T) {
	c, err := New(context.Background(), Config{}, logging.Discard(), nil)
	require.NoError(t, err)
	c.model = fakeModel{reply: "```json\n{\"amount\": 4200, \"amountText\": \"forty two\", \"confidence\": \"HIGH\"}\n```"}

	res, err := c.ExtractAmount(context.Background(), "user: forty two dollars works")
	require.NoError(t, err)
	require.NotNil(t, res.AmountCents)
	assert.Equal(t, int64(4200), *res.AmountCents)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
	assert.Equal(t, "forty two", res.AmountText)
}

func TestExtractModelFailureFallsBack(t *testing.T) {
	c, err := New(context.Background(), Config{}, logging.Discard(), nil)
	require.NoError(t, err)
	c.model = fakeModel{err: errors.New("quota")}

	res, err := c.ExtractAmount(context.Background(), "agreed to pay 99")
	require.NoError(t, err)
	require.NotNil(t, res.AmountCents)
	assert.Equal(t, int64(9900), *res.AmountCents)

	c.model = fakeModel{reply: `{"amount": null, "amountText": null, "confidence": "low"}`}
	res, err = c.ExtractAmount(context.Background(), "no commitment")
	require.NoError(t, err)
	assert.Nil(t, res.AmountCents)
}
