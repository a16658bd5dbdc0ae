package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGmailTokenRoundTrip(t *testing.T) {
	kind, arg, page := decodeToken("")
	assert.Equal(t, "", kind)

	kind, arg, page = decodeToken(encodeToken(tokenHist, "12345", ""))
	assert.Equal(t, tokenHist, kind)
	assert.Equal(t, "12345", arg)
	assert.Equal(t, "", page)

	// Page tokens may themselves contain colons; everything after the second
	// separator belongs to the page token.
	kind, arg, page = decodeToken(encodeToken(tokenHistPage, "12345", "abc:def"))
	assert.Equal(t, tokenHistPage, kind)
	assert.Equal(t, "12345", arg)
	assert.Equal(t, "abc:def", page)

	kind, arg, page = decodeToken(encodeToken(tokenListPage, "99", "pg1"))
	assert.Equal(t, tokenListPage, kind)
	assert.Equal(t, "99", arg)
	assert.Equal(t, "pg1", page)
}

func TestIMAPTokenRoundTrip(t *testing.T) {
	validity, uid, err := decodeUIDToken(encodeUIDToken(17, 42))
	require.NoError(t, err)
	assert.Equal(t, uint32(17), validity)
	assert.Equal(t, uint32(42), uid)

	_, _, err = decodeUIDToken("hist:12345")
	assert.Error(t, err)

	_, _, err = decodeUIDToken("uid:x:y")
	assert.Error(t, err)
}

func TestIMAPMessageIDRoundTrip(t *testing.T) {
	id := imapMessageID("support@example.com/INBOX", 17, 42)
	assert.Equal(t, "support@example.com/INBOX:17:42", id)

	validity, uid, err := parseIMAPMessageID(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(17), validity)
	assert.Equal(t, uint32(42), uid)

	_, _, err = parseIMAPMessageID("garbage")
	assert.Error(t, err)
}

func TestBareAddress(t *testing.T) {
	assert.Equal(t, "jane@example.com", bareAddress("Jane Doe <jane@example.com>"))
	assert.Equal(t, "jane@example.com", bareAddress(" jane@example.com "))
	assert.Equal(t, "not-an-address", bareAddress("not-an-address"))
}
