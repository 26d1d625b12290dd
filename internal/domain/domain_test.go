package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetKind(t *testing.T) {
	tests := []struct {
		in   string
		want TargetKind
	}{
		{"", TargetFileHelper},
		{"filehelper", TargetFileHelper},
		{"contact", TargetContact},
		{" Room ", TargetRoom},
	}
	for _, tt := range tests {
		got, err := ParseTargetKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseTargetKind("channel")
	assert.Error(t, err)
}

func TestChatName(t *testing.T) {
	assert.Equal(t, FileHelperName, ChatName(TargetFileHelper, "alice", ""))
	assert.Equal(t, FileHelperName, ChatName(TargetContact, "null", ""))
	assert.Equal(t, FileHelperName, ChatName(TargetContact, "  ", ""))
	assert.Equal(t, "self", ChatName(TargetRoom, "", "self"))
	assert.Equal(t, "alice", ChatName(TargetContact, " alice ", ""))
}

func TestKindOf(t *testing.T) {
	tagged := Errorf(KindFileLocked, "ready", "still open")
	wrapped := fmt.Errorf("send: %w", tagged)

	assert.Equal(t, KindFileLocked, KindOf(wrapped))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindInterrupted, KindOf(context.Canceled))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Nil(t, Wrap(KindNetwork, "get", nil))
}

func TestFailure_DependencyMissingCarriesHint(t *testing.T) {
	r := Failure(Errorf(KindDependencyMissing, "helper", "No module named 'wxauto'"))
	assert.False(t, r.Success)
	assert.Equal(t, KindDependencyMissing, r.ErrorKind)
	assert.Equal(t, InstallHint, r.InstallHint)
	assert.Contains(t, r.Error, "wxauto")
}

func TestSummarize(t *testing.T) {
	s := Summarize([]BatchItem{{Success: true}, {Success: false}, {Success: true}})
	assert.Equal(t, Summary{Total: 3, Successful: 2, Failed: 1}, *s)
}

func TestResultJSON_EmptyContactListRendered(t *testing.T) {
	n := 0
	data, err := json.Marshal(Result{Success: true, Count: &n, Contacts: []Contact{}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"contacts":[]`)
	assert.Contains(t, string(data), `"count":0`)

	data, err = json.Marshal(Result{Success: true, Message: "sent"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "contacts")
}
