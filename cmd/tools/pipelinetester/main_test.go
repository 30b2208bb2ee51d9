package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTriageCommand(t *testing.T) {
	out, err := run(t, "triage", "我想自杀", "--at", "2025-03-12T14:00:00Z")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "critical", got["tier"])
	assert.Equal(t, true, got["requires_intervention"])
}

func TestTriageCommandProfileFloor(t *testing.T) {
	out, err := run(t, "triage", "今天天气不错", "--status", "suicidal_ideation", "--at", "2025-03-12T14:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, `"high"`)
}

func TestIntentCommand(t *testing.T) {
	out, err := run(t, "intent", "什么是正念")
	require.NoError(t, err)
	assert.Contains(t, out, "knowledge")
}

func TestRerankCommand(t *testing.T) {
	out, err := run(t, "rerank", "--query", "睡眠 焦虑",
		"--passage", "运动 饮食",
		"--passage", "睡眠 焦虑 关系",
		"--top", "1")
	require.NoError(t, err)

	var res retrieval.RerankResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "睡眠 焦虑 关系", res.Passages[0].Content)
	assert.True(t, res.Applied)
}

func TestRerankCommandRequiresInput(t *testing.T) {
	_, err := run(t, "rerank")
	assert.Error(t, err)
}
