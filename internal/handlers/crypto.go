package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/pkg/schema"
)

// CryptoNamespace is the prefix of the crypto tools.
const CryptoNamespace = "crypto"

const defaultHashAlgorithm = "sha256"

type hashInput struct {
	Data      string `json:"data"`
	Algorithm string `json:"algorithm,omitempty" jsonschema:"enum=sha256,enum=sha384,enum=sha512,enum=sha1,enum=md5"`
}

type hashResult struct {
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
}

type hmacInput struct {
	Data      string `json:"data"`
	Key       string `json:"key" jsonschema:"minLength=1"`
	Algorithm string `json:"algorithm,omitempty" jsonschema:"enum=sha256,enum=sha384,enum=sha512,enum=sha1,enum=md5"`
}

type hmacResult struct {
	HMAC      string `json:"hmac"`
	Algorithm string `json:"algorithm"`
}

type uuidResult struct {
	UUID string `json:"uuid"`
}

func hashFunc(algorithm string) (string, func() hash.Hash, error) {
	if algorithm == "" {
		algorithm = defaultHashAlgorithm
	}
	switch algorithm {
	case "sha256":
		return algorithm, sha256.New, nil
	case "sha384":
		return algorithm, sha512.New384, nil
	case "sha512":
		return algorithm, sha512.New, nil
	case "sha1":
		return algorithm, sha1.New, nil
	case "md5":
		return algorithm, md5.New, nil
	}
	return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
}

// CryptoHandlers returns crypto.hash, crypto.hmac and crypto.uuid.
func CryptoHandlers() map[string]registry.Handler {
	return map[string]registry.Handler{
		"hash": registry.MustTyped("Hex digest of data (sha256 by default).",
			func(_ context.Context, in hashInput) (hashResult, error) {
				alg, newHash, err := hashFunc(in.Algorithm)
				if err != nil {
					return hashResult{}, err
				}
				h := newHash()
				h.Write([]byte(in.Data))
				return hashResult{Hash: hex.EncodeToString(h.Sum(nil)), Algorithm: alg}, nil
			}),
		"hmac": registry.MustTyped("Hex HMAC of data under key (sha256 by default).",
			func(_ context.Context, in hmacInput) (hmacResult, error) {
				alg, newHash, err := hashFunc(in.Algorithm)
				if err != nil {
					return hmacResult{}, err
				}
				mac := hmac.New(newHash, []byte(in.Key))
				mac.Write([]byte(in.Data))
				return hmacResult{HMAC: hex.EncodeToString(mac.Sum(nil)), Algorithm: alg}, nil
			}),
		"uuid": registry.MustTyped("Generate a random v4 UUID.",
			func(_ context.Context, _ struct{}) (uuidResult, error) {
				return uuidResult{UUID: uuid.NewString()}, nil
			}),
	}
}
