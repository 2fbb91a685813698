package security

import (
	"bytes"
	"testing"
)

func TestDeriveKeyFromClusterID(t *testing.T) {
	key1 := DeriveKeyFromClusterID("prod-cluster")
	key2 := DeriveKeyFromClusterID("prod-cluster")
	key3 := DeriveKeyFromClusterID("staging-cluster")

	if len(key1) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(key1))
	}
	if !bytes.Equal(key1, key2) {
		t.Error("same cluster ID must derive the same key")
	}
	if bytes.Equal(key1, key3) {
		t.Error("different cluster IDs must derive different keys")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	if err := SetClusterEncryptionKey(DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("SetClusterEncryptionKey() error = %v", err)
	}

	plaintext := []byte("root-ca-private-key-bytes")
	ciphertext, err := Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext must not equal plaintext")
	}

	decrypted, err := Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestSetClusterEncryptionKeyRejectsWrongSize(t *testing.T) {
	if err := SetClusterEncryptionKey([]byte("too-short")); err == nil {
		t.Error("expected error for a key that is not 32 bytes")
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	if err := SetClusterEncryptionKey(DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("SetClusterEncryptionKey() error = %v", err)
	}
	if _, err := Decrypt([]byte("x")); err == nil {
		t.Error("expected error decrypting ciphertext shorter than the nonce")
	}
}
