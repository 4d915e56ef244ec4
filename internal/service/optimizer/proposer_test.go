package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kireilab/armory/internal/model"
)

func newTestProposer(llm LLMClient) *Proposer {
	return NewProposer(llm, time.Second, slog.Default())
}

func TestProposeDiffNilClient(t *testing.T) {
	p := newTestProposer(nil)
	assert.Nil(t, p.ProposeDiff(context.Background(), signalsWith(10, 5), "v1"))
}

func TestProposeDiffNoSignals(t *testing.T) {
	p := newTestProposer(&stubLLM{reply: validDiffJSON})
	assert.Nil(t, p.ProposeDiff(context.Background(), nil, "v1"))
}

func TestProposeDiffParsesProposal(t *testing.T) {
	p := newTestProposer(&stubLLM{reply: validDiffJSON})
	diff := p.ProposeDiff(context.Background(), signalsWith(10, 5), "v1")
	require.NotNil(t, diff)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "replace", diff.Changes[0].Op)
	assert.Equal(t, "patch", diff.VersionBump)
}

func TestProposeDiffMalformedJSON(t *testing.T) {
	p := newTestProposer(&stubLLM{reply: "Sure! Here is the diff you asked for:"})
	assert.Nil(t, p.ProposeDiff(context.Background(), signalsWith(10, 5), "v1"))
}

func TestProposeDiffCallFailure(t *testing.T) {
	p := newTestProposer(&stubLLM{err: errors.New("upstream 500")})
	assert.Nil(t, p.ProposeDiff(context.Background(), signalsWith(10, 5), "v1"))
}

// slowLLM blocks until its context expires.
type slowLLM struct{}

func (slowLLM) Complete(ctx context.Context, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestProposeDiffTimeoutIsNoProposal(t *testing.T) {
	p := NewProposer(slowLLM{}, 10*time.Millisecond, slog.Default())
	start := time.Now()
	diff := p.ProposeDiff(context.Background(), signalsWith(10, 5), "v1")
	assert.Nil(t, diff)
	assert.Less(t, time.Since(start), time.Second)
}

// recordingLLM captures the prompt it was sent.
type recordingLLM struct {
	prompt string
	reply  string
}

func (r *recordingLLM) Complete(ctx context.Context, prompt string) (string, error) {
	r.prompt = prompt
	return r.reply, nil
}

func TestProposeDiffCapsSignalPayload(t *testing.T) {
	big := strings.Repeat("同じ編集結果が不自然に見えました。", 200)
	signals := make([]model.Signal, 100)
	for i := range signals {
		signals[i] = model.Signal{Procedure: "jaw_width_mm", Rating: 0, Reason: &big}
	}

	llm := &recordingLLM{reply: validDiffJSON}
	p := newTestProposer(llm)
	p.ProposeDiff(context.Background(), signals, "v1")

	assert.LessOrEqual(t, len(llm.prompt), maxSignalPayload+512,
		"signal block must be truncated before the call")
	assert.Contains(t, llm.prompt, "Base prompt version: v1")
}

func TestProposeDiffsWrapperObject(t *testing.T) {
	reply := `{"diffs": [` + validDiffJSON + `, ` + validDiffJSON + `, ` + validDiffJSON + `, ` + validDiffJSON + `]}`
	p := newTestProposer(&stubLLM{reply: reply})
	diffs := p.ProposeDiffs(context.Background(), signalsWith(10, 5), "v1")
	assert.Len(t, diffs, maxBatchDiffs, "batch output is capped")
}

func TestProposeDiffsToleratesBareObject(t *testing.T) {
	p := newTestProposer(&stubLLM{reply: validDiffJSON})
	diffs := p.ProposeDiffs(context.Background(), signalsWith(10, 5), "v1")
	require.Len(t, diffs, 1)
	assert.Equal(t, "tone.style", diffs[0].Changes[0].Path)
}

func TestProposeDiffsMalformed(t *testing.T) {
	p := newTestProposer(&stubLLM{reply: "[]"})
	assert.Nil(t, p.ProposeDiffs(context.Background(), signalsWith(10, 5), "v1"))
}
