package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFor(t *testing.T) {
	q, err := QueueFor(KindAPIDoc)
	require.NoError(t, err)
	assert.Equal(t, "generateApi", q)

	q, err = QueueFor(KindPage)
	require.NoError(t, err)
	assert.Equal(t, "generatePage", q)

	_, err = QueueFor("unknown")
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestDecodeRoundTripKeepsIdentity(t *testing.T) {
	j := New(Intent{
		Kind:      KindPage,
		FullName:  "acme/widget",
		GitURL:    "https://example.test/acme/widget.git",
		BranchRef: "refs/heads/gh-pages",
	})

	data, err := j.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, j.ID, decoded.ID)
	assert.Equal(t, "gh-pages", decoded.Branch())
	assert.Equal(t, "refs/heads/gh-pages", decoded.Ref())
}

func TestDecodeRejectsIncompleteJobs(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"kind":`},
		{name: "unknown kind", body: `{"id":"1","kind":"deploy"}`},
		{name: "api doc without tag", body: `{"id":"1","kind":"api_doc","full_name":"acme/widget"}`},
		{name: "page without branch", body: `{"id":"1","kind":"page","full_name":"acme/widget"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestDecodeAllowsMissingRepository(t *testing.T) {
	j, err := Decode([]byte(`{"id":"1","kind":"api_doc","tag":"v1.0.0"}`))
	require.NoError(t, err)
	assert.Empty(t, j.FullName)
}
