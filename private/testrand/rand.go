// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package testrand implements generating random base types for testing.
package testrand

import (
	"encoding/hex"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// Read reads pseudo-random data into data.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// UUID creates a random uuid.
func UUID() uuid.UUID {
	var id uuid.UUID
	Read(id[:])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// Hex creates a random hex string of length n.
func Hex(n int) string {
	data := make([]byte, (n+1)/2)
	Read(data)
	return hex.EncodeToString(data)[:n]
}

// Email creates a random plausible email address.
func Email() string {
	return fmt.Sprintf("%s@%s.test", Hex(8), Hex(6))
}

// Name creates a random display name.
func Name() string {
	return "user-" + Hex(6)
}

// Float32Slice creates a vector of n random floats in [-1, 1).
func Float32Slice(n int) []float32 {
	vector := make([]float32, n)
	for i := range vector {
		vector[i] = rand.Float32()*2 - 1
	}
	return vector
}

const alphabet = "abcdefghijklmnopqrstuvwxyz ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Text creates n characters of random readable text.
func Text(n int) string {
	data := make([]byte, n)
	for i := range data {
		data[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(data)
}
