package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestMintAndVerifyToken(t *testing.T) {
	token, err := MintToken(testSecret, "extrelay", "owner1", time.Hour)
	require.NoError(t, err)

	sub, err := verifyToken(token, testSecret, "extrelay")
	require.NoError(t, err)
	assert.Equal(t, "owner1", sub)

	_, err = verifyToken(token, testSecret, "someone-else")
	assert.Error(t, err)

	_, err = verifyToken(token, "other-secret", "extrelay")
	assert.Error(t, err)
}

func TestMintToken_NoExpiry(t *testing.T) {
	token, err := MintToken(testSecret, "", "owner1", 0)
	require.NoError(t, err)

	sub, err := verifyToken(token, testSecret, "")
	require.NoError(t, err)
	assert.Equal(t, "owner1", sub)
}

func TestMintToken_RequiresSubject(t *testing.T) {
	_, err := MintToken(testSecret, "", "", time.Hour)
	assert.Error(t, err)
}

func TestTokenStore(t *testing.T) {
	keyring.MockInit()
	store := NewTokenStore()

	token, err := store.Load("gmail")
	require.NoError(t, err)
	assert.Empty(t, token, "missing token is not an error")

	require.NoError(t, store.Save("gmail", "tok-1"))
	require.NoError(t, store.Save("chat", "tok-2"))

	token, err = store.Load("gmail")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	require.NoError(t, store.Delete("gmail"))
	require.NoError(t, store.Delete("gmail"), "deleting twice is fine")

	token, err = store.Load("gmail")
	require.NoError(t, err)
	assert.Empty(t, token)

	token, err = store.Load("chat")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}
