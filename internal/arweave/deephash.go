// Copyright 2025 James Ross

// Package arweave implements the pieces of the Arweave transaction format the
// pipeline needs: the deep-hash signature preimage, merkle chunking for
// data_root and chunk proofs, the format-2 transaction envelope, and a JWK
// RSA-PSS signing wallet.
package arweave

import (
	"crypto/sha512"
	"strconv"
)

// DeepHashItem is a node in the deep-hash tree: either a byte blob or a list
// of child items.
type DeepHashItem struct {
	Blob []byte
	List []DeepHashItem
}

func BlobItem(b []byte) DeepHashItem        { return DeepHashItem{Blob: b} }
func ListItem(l ...DeepHashItem) DeepHashItem { return DeepHashItem{List: l} }

// DeepHash computes the Arweave deep hash of an item tree using SHA-384.
func DeepHash(item DeepHashItem) [48]byte {
	if item.List == nil {
		tag := append([]byte("blob"), []byte(strconv.Itoa(len(item.Blob)))...)
		tagHash := sha512.Sum384(tag)
		blobHash := sha512.Sum384(item.Blob)
		return sha512.Sum384(append(tagHash[:], blobHash[:]...))
	}
	tag := append([]byte("list"), []byte(strconv.Itoa(len(item.List)))...)
	acc := sha512.Sum384(tag)
	for _, child := range item.List {
		childHash := DeepHash(child)
		acc = sha512.Sum384(append(acc[:], childHash[:]...))
	}
	return acc
}
