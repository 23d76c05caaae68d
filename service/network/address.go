package network

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

const (
	addressVersion    = 1
	addressLength     = 26
	publicKeyLength   = 32
	addressHashLength = 20
	checksumLength    = 4
)

var (
	// ErrInvalidAddress is returned for addresses that fail to decode or checksum.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidPublicKey is returned for public keys of the wrong size or encoding.
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// secureHash is keccak256(blake2b256(data)).
func secureHash(data []byte) []byte {
	b := blake2b.Sum256(data)
	k := sha3.NewLegacyKeccak256()
	k.Write(b[:])
	return k.Sum(nil)
}

// AddressFromPublicKey derives the base58 address of a base58 public key on the
// given network byte.
func AddressFromPublicKey(publicKey string, chainID byte) (string, error) {
	pk, err := base58.Decode(publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(pk) != publicKeyLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, publicKeyLength, len(pk))
	}

	raw := make([]byte, 0, addressLength)
	raw = append(raw, addressVersion, chainID)
	raw = append(raw, secureHash(pk)[:addressHashLength]...)
	raw = append(raw, secureHash(raw)[:checksumLength]...)
	return base58.Encode(raw), nil
}

// AddressChainID validates a base58 address and returns the network byte embedded in it.
func AddressChainID(address string) (byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != addressLength {
		return 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, addressLength, len(raw))
	}
	if raw[0] != addressVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidAddress, raw[0])
	}
	body, sum := raw[:addressLength-checksumLength], raw[addressLength-checksumLength:]
	if !bytes.Equal(secureHash(body)[:checksumLength], sum) {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return raw[1], nil
}

// ValidateAddress checks that address is well formed and belongs to chainID.
func ValidateAddress(address string, chainID byte) error {
	got, err := AddressChainID(address)
	if err != nil {
		return err
	}
	if got != chainID {
		return fmt.Errorf("%w: address is for network byte %d, expected %d", ErrInvalidAddress, got, chainID)
	}
	return nil
}
