// Copyright 2025 James Ross
package arweave

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// Tag is a name/value pair attached to a transaction. Fields hold the raw
// (decoded) bytes; JSON encoding is base64url per the wire format.
type Tag struct {
	Name  string
	Value string
}

type jsonTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Transaction is an Arweave format-2 transaction envelope. All string fields
// are URL-safe base64 except Quantity, Reward and DataSize, which are decimal
// winston/byte counts.
type Transaction struct {
	Format    int    `json:"format"`
	ID        string `json:"id"`
	LastTx    string `json:"last_tx"`
	Owner     string `json:"owner"`
	Tags      []Tag  `json:"-"`
	Target    string `json:"target"`
	Quantity  string `json:"quantity"`
	Data      string `json:"data"`
	DataSize  string `json:"data_size"`
	DataRoot  string `json:"data_root"`
	Reward    string `json:"reward"`
	Signature string `json:"signature"`

	// EncodedTags mirrors Tags on the wire.
	EncodedTags []jsonTag `json:"tags"`
}

// NewTransaction builds an unsigned envelope around an already-chunked
// payload.
func NewTransaction(owner, anchor string, dataSize int64, dataRoot []byte, reward int64, tags []Tag) *Transaction {
	return &Transaction{
		Format:   2,
		LastTx:   anchor,
		Owner:    owner,
		Tags:     tags,
		Quantity: "0",
		DataSize: strconv.FormatInt(dataSize, 10),
		DataRoot: base64.RawURLEncoding.EncodeToString(dataRoot),
		Reward:   strconv.FormatInt(reward, 10),
	}
}

// PrepareForJSON populates the wire-encoded tag list. Call before marshaling.
func (t *Transaction) PrepareForJSON() {
	t.EncodedTags = make([]jsonTag, 0, len(t.Tags))
	for _, tag := range t.Tags {
		t.EncodedTags = append(t.EncodedTags, jsonTag{
			Name:  base64.RawURLEncoding.EncodeToString([]byte(tag.Name)),
			Value: base64.RawURLEncoding.EncodeToString([]byte(tag.Value)),
		})
	}
}

// DecodeTags restores Tags from EncodedTags after unmarshaling.
func (t *Transaction) DecodeTags() error {
	t.Tags = make([]Tag, 0, len(t.EncodedTags))
	for _, tag := range t.EncodedTags {
		name, err := base64.RawURLEncoding.DecodeString(tag.Name)
		if err != nil {
			return fmt.Errorf("decode tag name: %w", err)
		}
		value, err := base64.RawURLEncoding.DecodeString(tag.Value)
		if err != nil {
			return fmt.Errorf("decode tag value: %w", err)
		}
		t.Tags = append(t.Tags, Tag{Name: string(name), Value: string(value)})
	}
	return nil
}

// SignatureData computes the deep-hash preimage for a format-2 transaction.
func (t *Transaction) SignatureData() ([]byte, error) {
	owner, err := base64.RawURLEncoding.DecodeString(t.Owner)
	if err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	target, err := base64.RawURLEncoding.DecodeString(t.Target)
	if err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	anchor, err := base64.RawURLEncoding.DecodeString(t.LastTx)
	if err != nil {
		return nil, fmt.Errorf("decode last_tx: %w", err)
	}
	dataRoot, err := base64.RawURLEncoding.DecodeString(t.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("decode data_root: %w", err)
	}

	tagList := make([]DeepHashItem, 0, len(t.Tags))
	for _, tag := range t.Tags {
		tagList = append(tagList, ListItem(BlobItem([]byte(tag.Name)), BlobItem([]byte(tag.Value))))
	}

	h := DeepHash(ListItem(
		BlobItem([]byte(strconv.Itoa(t.Format))),
		BlobItem(owner),
		BlobItem(target),
		BlobItem([]byte(t.Quantity)),
		BlobItem([]byte(t.Reward)),
		BlobItem(anchor),
		DeepHashItem{List: tagList},
		BlobItem([]byte(t.DataSize)),
		BlobItem(dataRoot),
	))
	return h[:], nil
}

// Sign signs the envelope and derives its id from the signature.
func (t *Transaction) Sign(w Wallet) error {
	data, err := t.SignatureData()
	if err != nil {
		return err
	}
	sig, err := w.Sign(data)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	id := sha256.Sum256(sig)
	t.Signature = base64.RawURLEncoding.EncodeToString(sig)
	t.ID = base64.RawURLEncoding.EncodeToString(id[:])
	return nil
}

// ChunkUpload is one chunk plus its inclusion proof, as accepted by the
// gateway's chunk endpoint.
type ChunkUpload struct {
	DataRoot string `json:"data_root"`
	DataSize string `json:"data_size"`
	DataPath string `json:"data_path"`
	Offset   string `json:"offset"`
	Chunk    string `json:"chunk"`
}

// NewChunkUpload assembles the upload body for chunk i of the tree, with data
// holding that chunk's raw bytes.
func NewChunkUpload(t *Transaction, tree *Tree, i int, data []byte) *ChunkUpload {
	return &ChunkUpload{
		DataRoot: t.DataRoot,
		DataSize: t.DataSize,
		DataPath: base64.RawURLEncoding.EncodeToString(tree.Proofs[i].Path),
		Offset:   strconv.FormatInt(tree.Proofs[i].Offset, 10),
		Chunk:    base64.RawURLEncoding.EncodeToString(data),
	}
}
