// Copyright 2025 James Ross
package arweave

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func testWallet(t *testing.T) *JWKWallet {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	addr := sha256.Sum256(key.N.Bytes())
	return &JWKWallet{
		key:     key,
		owner:   n,
		address: base64.RawURLEncoding.EncodeToString(addr[:]),
	}
}

func testTx(t *testing.T, w Wallet) *Transaction {
	t.Helper()
	payload := []byte("some bundle payload")
	tree, err := BuildTree(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	return NewTransaction(w.Owner(), "", int64(len(payload)), tree.Root, 1250, []Tag{
		{Name: "Bundle-Format", Value: "binary"},
		{Name: "Bundle-Version", Value: "2.0.0"},
	})
}

func TestSignDerivesIDFromSignature(t *testing.T) {
	w := testWallet(t)
	tx := testTx(t, w)
	require.NoError(t, tx.Sign(w))

	sig, err := base64.RawURLEncoding.DecodeString(tx.Signature)
	require.NoError(t, err)
	want := sha256.Sum256(sig)
	require.Equal(t, base64.RawURLEncoding.EncodeToString(want[:]), tx.ID)
	// the wire id is the 43-char url-safe hash the pipeline keys on
	require.Len(t, tx.ID, 43)
}

func TestSignatureDataStableAndTagSensitive(t *testing.T) {
	w := testWallet(t)
	tx := testTx(t, w)
	a, err := tx.SignatureData()
	require.NoError(t, err)
	b, err := tx.SignatureData()
	require.NoError(t, err)
	require.Equal(t, a, b)

	tx.Tags = append(tx.Tags, Tag{Name: "App-Name", Value: "Fulfillment"})
	c, err := tx.SignatureData()
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	w := testWallet(t)
	tx := testTx(t, w)
	require.NoError(t, tx.Sign(w))
	tx.PrepareForJSON()

	raw, err := json.Marshal(tx)
	require.NoError(t, err)

	var back Transaction
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NoError(t, back.DecodeTags())
	require.Equal(t, tx.ID, back.ID)
	require.Equal(t, tx.DataRoot, back.DataRoot)
	require.Equal(t, tx.Tags, back.Tags)
}

func TestDeepHashDistinguishesStructure(t *testing.T) {
	flat := DeepHash(BlobItem([]byte("ab")))
	nested := DeepHash(ListItem(BlobItem([]byte("a")), BlobItem([]byte("b"))))
	require.NotEqual(t, flat, nested)
}
