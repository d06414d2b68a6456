package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// recordSize is the rs value written into the aes128gcm header. Push
	// services cap the whole body at 4096 bytes, so a single record always
	// suffices.
	recordSize = 4096

	gcmTagLength    = 16
	headerLength    = 16 + 4 + 1 + 65 // salt || rs || idlen || as_public
	maxPlaintextLen = recordSize - headerLength - gcmTagLength - 1
)

// encryptPayload seals plaintext for one subscriber per RFC 8291: an
// ephemeral ECDH agreement against the subscription's p256dh key, HKDF key
// derivation bound to the auth secret, and a single aes128gcm record
// (RFC 8188) with the key material header prepended.
func encryptPayload(plaintext, uaPublic, authSecret []byte) ([]byte, error) {
	if len(plaintext) > maxPlaintextLen {
		return nil, ErrPayloadTooLarge
	}
	if len(authSecret) != 16 {
		return nil, errors.New("webpush: auth secret must be 16 bytes")
	}

	subscriberKey, err := ecdh.P256().NewPublicKey(uaPublic)
	if err != nil {
		return nil, fmt.Errorf("webpush: invalid subscriber key: %w", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("webpush: generate ephemeral key: %w", err)
	}
	sharedSecret, err := ephemeral.ECDH(subscriberKey)
	if err != nil {
		return nil, fmt.Errorf("webpush: ecdh agreement: %w", err)
	}
	asPublic := ephemeral.PublicKey().Bytes()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("webpush: generate salt: %w", err)
	}

	key, nonce, err := deriveContentKeys(sharedSecret, authSecret, salt, uaPublic, asPublic)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Last (only) record carries the 0x02 delimiter.
	record := make([]byte, 0, len(plaintext)+1)
	record = append(record, plaintext...)
	record = append(record, 0x02)

	body := make([]byte, 0, headerLength+len(record)+gcmTagLength)
	body = append(body, salt...)
	body = binary.BigEndian.AppendUint32(body, recordSize)
	body = append(body, byte(len(asPublic)))
	body = append(body, asPublic...)
	body = gcm.Seal(body, nonce, record, nil)

	return body, nil
}

// deriveContentKeys runs the RFC 8291 HKDF schedule: the auth secret binds
// the ECDH output to this subscription, then the salt splits it into the
// AES-128 content key and the GCM nonce.
func deriveContentKeys(sharedSecret, authSecret, salt, uaPublic, asPublic []byte) (key, nonce []byte, err error) {
	keyInfo := make([]byte, 0, len("WebPush: info")+1+len(uaPublic)+len(asPublic))
	keyInfo = append(keyInfo, []byte("WebPush: info")...)
	keyInfo = append(keyInfo, 0x00)
	keyInfo = append(keyInfo, uaPublic...)
	keyInfo = append(keyInfo, asPublic...)

	ikmPRK := hkdf.Extract(sha256.New, sharedSecret, authSecret)
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, ikmPRK, keyInfo), ikm); err != nil {
		return nil, nil, fmt.Errorf("webpush: derive ikm: %w", err)
	}

	prk := hkdf.Extract(sha256.New, ikm, salt)

	key = make([]byte, 16)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: aes128gcm\x00")), key); err != nil {
		return nil, nil, fmt.Errorf("webpush: derive cek: %w", err)
	}

	nonce = make([]byte, 12)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, nil, fmt.Errorf("webpush: derive nonce: %w", err)
	}

	return key, nonce, nil
}
