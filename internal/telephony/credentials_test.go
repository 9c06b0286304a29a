// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telephony_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callforge/dialer/internal/telephony"
)

func TestCredentialCipher_RoundTrip(t *testing.T) {
	cipher := telephony.NewCredentialCipher("test-secret", 1_000)
	creds := telephony.Credentials{
		AccountSID:    "AC123",
		APIKey:        "key",
		APIToken:      "token",
		Subdomain:     "acme",
		ApplicationID: "APP1",
	}

	blob, err := cipher.Encrypt(creds)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	got, err := cipher.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestCredentialCipher_EncryptIsNonDeterministic(t *testing.T) {
	cipher := telephony.NewCredentialCipher("test-secret", 1_000)
	creds := telephony.Credentials{AccountSID: "AC123", APIKey: "key", APIToken: "token"}

	blobA, err := cipher.Encrypt(creds)
	require.NoError(t, err)
	blobB, err := cipher.Encrypt(creds)
	require.NoError(t, err)

	assert.NotEqual(t, blobA, blobB, "a fresh salt/nonce per call must change the ciphertext")
}

func TestCredentialCipher_DecryptWrongSecretFails(t *testing.T) {
	encryptor := telephony.NewCredentialCipher("right-secret", 1_000)
	blob, err := encryptor.Encrypt(telephony.Credentials{AccountSID: "AC123"})
	require.NoError(t, err)

	decryptor := telephony.NewCredentialCipher("wrong-secret", 1_000)
	_, err = decryptor.Decrypt(blob)
	require.ErrorIs(t, err, telephony.ErrInvalidCiphertext)
}

func TestCredentialCipher_DecryptMalformedBase64Fails(t *testing.T) {
	cipher := telephony.NewCredentialCipher("test-secret", 1_000)
	_, err := cipher.Decrypt("not-valid-base64!!!")
	require.ErrorIs(t, err, telephony.ErrInvalidCiphertext)
}

func TestCredentialCipher_DecryptTruncatedBlobFails(t *testing.T) {
	cipher := telephony.NewCredentialCipher("test-secret", 1_000)
	_, err := cipher.Decrypt("c2hvcnQ=") // base64("short"), shorter than the salt
	require.ErrorIs(t, err, telephony.ErrInvalidCiphertext)
}

func TestCredentialCipher_DefaultsIterationsWhenNonPositive(t *testing.T) {
	cipher := telephony.NewCredentialCipher("test-secret", 0)
	blob, err := cipher.Encrypt(telephony.Credentials{AccountSID: "AC123"})
	require.NoError(t, err)
	got, err := cipher.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "AC123", got.AccountSID)
}
