package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/ethpandaops/pagesmith/pkg/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) *Payload {
	t.Helper()

	p, err := Decode([]byte(body))
	require.NoError(t, err)

	return p
}

func TestClassifyTagEvent(t *testing.T) {
	p := decode(t, `{
		"ref_type": "tag",
		"ref": "v1.2.0",
		"master_branch": "main",
		"repository": {"full_name": "acme/widget", "git_url": "https://example.test/acme/widget.git"}
	}`)

	intent, err := Classify(p)
	require.NoError(t, err)
	assert.Equal(t, job.KindAPIDoc, intent.Kind)
	assert.Equal(t, "v1.2.0", intent.Tag)
	assert.Equal(t, "acme/widget", intent.FullName)
	assert.Equal(t, "https://example.test/acme/widget.git", intent.GitURL)
	assert.Equal(t, "main", intent.DefaultBranch)
}

func TestClassifyPagesPush(t *testing.T) {
	p := decode(t, `{
		"ref": "refs/heads/gh-pages",
		"repository": {"full_name": "acme/widget", "git_url": "", "clone_url": "https://example.test/acme/widget.git", "default_branch": "main"}
	}`)

	intent, err := Classify(p)
	require.NoError(t, err)
	assert.Equal(t, job.KindPage, intent.Kind)
	assert.Equal(t, "refs/heads/gh-pages", intent.BranchRef)
	assert.Equal(t, "https://example.test/acme/widget.git", intent.GitURL)
	assert.Equal(t, "main", intent.DefaultBranch)
}

func TestClassifyUnrecognized(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "push to master", body: `{"ref":"refs/heads/master","repository":{"full_name":"acme/widget"}}`},
		{name: "push to develop", body: `{"ref":"refs/heads/develop","repository":{"full_name":"acme/widget"}}`},
		{name: "branch creation", body: `{"ref_type":"branch","ref":"feature","repository":{"full_name":"acme/widget"}}`},
		{name: "branch creation named gh-pages", body: `{"ref_type":"branch","ref":"refs/heads/gh-pages"}`},
		{name: "empty object", body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(decode(t, tt.body))
			assert.ErrorIs(t, err, ErrClassificationMismatch)
		})
	}
}

func TestClassifyTreatsEmptyRefTypeAsAbsent(t *testing.T) {
	intent, err := Classify(decode(t, `{"ref_type":"","ref":"refs/heads/gh-pages"}`))
	require.NoError(t, err)
	assert.Equal(t, job.KindPage, intent.Kind)

	intent, err = Classify(decode(t, `{"ref_type":null,"ref":"refs/heads/gh-pages"}`))
	require.NoError(t, err)
	assert.Equal(t, job.KindPage, intent.Kind)
}

func TestClassifyDoesNotRequireRepository(t *testing.T) {
	intent, err := Classify(decode(t, `{"ref_type":"tag","ref":"v2"}`))
	require.NoError(t, err)
	assert.Empty(t, intent.FullName)
	assert.Empty(t, intent.GitURL)
	assert.Equal(t, "master", intent.DefaultBranch)
}

func TestDecodeErrors(t *testing.T) {
	for _, body := range []string{"", "   ", "{not json", `["array"]`} {
		_, err := Decode([]byte(body))

		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr, "body %q", body)
	}
}

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/gh-pages"}`)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.NoError(t, ValidateSignature(body, signature, "s3cret"))
	assert.NoError(t, ValidateSignature(body, "", ""), "verification disabled without a secret")
	assert.ErrorIs(t, ValidateSignature(body, "", "s3cret"), ErrInvalidSignature)
	assert.ErrorIs(t, ValidateSignature(body, "sha256=deadbeef", "s3cret"), ErrInvalidSignature)
	assert.ErrorIs(t, ValidateSignature(body, signature, "other"), ErrInvalidSignature)
}
