// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP request handlers for the gateway
// service.
//
// This file implements token accumulation for streaming responses.
// Tokens are stored in mlocked memory to prevent swapping to disk and
// are incrementally hashed for integrity verification.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// AccumulatorBufferSize is the mlocked buffer capacity for one
// streaming turn. 512 KB covers long answers with room to spare.
const AccumulatorBufferSize = 512 * 1024

// minMlockLimitKB is the minimum mlock limit required for secure
// accumulation.
const minMlockLimitKB = 512

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// TokenAccumulator accumulates streamed tokens for one turn.
//
// # Description
//
// The accumulator retains the exact concatenation of every written
// token, in order, alongside an incremental SHA-256 hash. A secure
// implementation holds the data in mlocked memory; an insecure
// fallback is used when mlock limits are too low and the operator has
// opted in via ASKBRIDGE_INSECURE_MEMORY=true.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - Buffer capacity is fixed; writes past it fail
//   - Unusable after Finalize() or Destroy()
type TokenAccumulator interface {
	// Write appends a token. Tokens are hashed as they arrive.
	Write(token string) error

	// Finalize returns the accumulated text and its hex SHA-256 hash,
	// then wipes the buffer. Can only be called once.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent;
	// used on error paths.
	Destroy()

	// ID returns a unique identifier for logging.
	ID() string

	// CreatedAt returns the creation timestamp.
	CreatedAt() time.Time
}

// NewTokenAccumulator creates an accumulator, secure when the system
// allows it.
//
// Returns an error when mlock limits are insufficient and the
// insecure fallback has not been explicitly enabled.
func NewTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("ASKBRIDGE_INSECURE_MEMORY") == "true" {
			return newInsecureAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit %d KB below required %d KB; raise RLIMIT_MEMLOCK or set ASKBRIDGE_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB)
	}

	return &secureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    memguard.NewBuffer(AccumulatorBufferSize),
		hasher:    sha256.New(),
	}, nil
}

// initMemguard checks mlock limits once per process.
func initMemguard() {
	memguardInitOnce.Do(func() {
		var limit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
			slog.Warn("could not read mlock limit, assuming insufficient", "error", err)
			mlockSufficient = false
			return
		}
		currentMlockLimitKB = int64(limit.Cur) / 1024
		mlockSufficient = limit.Cur == unix.RLIM_INFINITY || currentMlockLimitKB >= minMlockLimitKB
		if !mlockSufficient {
			slog.Warn("mlock limit too low for secure accumulation",
				"limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureAccumulator stores tokens in a memguard LockedBuffer: mlocked
// against swap, guard pages against overflow, wiped on destroy.
type secureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	destroyed bool
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}

	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > a.buffer.Size() {
		return fmt.Errorf("accumulator buffer overflow at %d bytes", a.offset)
	}

	a.buffer.Melt()
	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.buffer.Freeze()
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))

	a.buffer.Destroy()
	a.destroyed = true

	return answer, hashStr, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.buffer.Destroy()
	a.destroyed = true
}

func (a *secureAccumulator) ID() string           { return a.id }
func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

// =============================================================================
// Insecure Fallback
// =============================================================================

// insecureAccumulator uses ordinary Go memory. Data may be swapped to
// disk; only used behind an explicit operator opt-in.
type insecureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	destroyed bool
}

func newInsecureAccumulator() TokenAccumulator {
	accID := uuid.New().String()
	slog.Warn("created INSECURE token accumulator, data may be swapped to disk",
		"accumulator_id", accID)
	return &insecureAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, AccumulatorBufferSize),
		hasher:    sha256.New(),
	}
}

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if len(a.data)+len(token) > AccumulatorBufferSize {
		return fmt.Errorf("accumulator buffer overflow at %d bytes", len(a.data))
	}
	a.data = append(a.data, token...)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))

	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true

	return answer, hashStr, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

func (a *insecureAccumulator) ID() string           { return a.id }
func (a *insecureAccumulator) CreatedAt() time.Time { return a.createdAt }

// Compile-time interface checks
var (
	_ TokenAccumulator = (*secureAccumulator)(nil)
	_ TokenAccumulator = (*insecureAccumulator)(nil)
)
