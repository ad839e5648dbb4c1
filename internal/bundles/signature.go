package bundles

// Signature type constants from ANS-104.
const (
	SignatureTypeArweave  = 1
	SignatureTypeEd25519  = 2
	SignatureTypeEthereum = 3
	SignatureTypeSolana   = 4
)

// sigTypeOffset is where the signature bytes begin inside a raw data item,
// right after the 2-byte little-endian signature type.
const sigTypeOffset = 2

var signatureLengths = map[int]int64{
	SignatureTypeArweave:  512,
	SignatureTypeEd25519:  64,
	SignatureTypeEthereum: 65,
	SignatureTypeSolana:   64,
}

// SignatureByteRange returns the [start, end] inclusive byte range of the
// signature inside a raw data item, or ok=false for an unknown type.
func SignatureByteRange(signatureType int) (start, end int64, ok bool) {
	n, ok := signatureLengths[signatureType]
	if !ok {
		return 0, 0, false
	}
	return sigTypeOffset, sigTypeOffset + n - 1, true
}
