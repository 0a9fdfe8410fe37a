// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	valid, needsRehash := VerifyPassword(hash, "s3cret")
	require.True(t, valid)
	require.False(t, needsRehash, "fresh verifier must not ask for rehash")

	valid, _ = VerifyPassword(hash, "wrong")
	require.False(t, valid)
}

func TestVerifyLegacyHash(t *testing.T) {
	sum := sha256.Sum256([]byte("s3cret"))
	legacy := hex.EncodeToString(sum[:])

	valid, needsRehash := VerifyPassword(legacy, "s3cret")
	require.True(t, valid)
	require.True(t, needsRehash, "legacy verifier must be flagged for upgrade")

	valid, needsRehash = VerifyPassword(legacy, "wrong")
	require.False(t, valid)
	require.False(t, needsRehash, "a failed legacy check must not trigger an upgrade")
}

func TestVerifyLegacyRoundTrip(t *testing.T) {
	// The migration invariant: a password valid under the legacy verifier
	// stays valid through the rehash and the fresh verifier stops asking.
	sum := sha256.Sum256([]byte("pa55word"))
	legacy := hex.EncodeToString(sum[:])

	valid, needsRehash := VerifyPassword(legacy, "pa55word")
	require.True(t, valid)
	require.True(t, needsRehash)

	upgraded, err := HashPassword("pa55word")
	require.NoError(t, err)

	valid, needsRehash = VerifyPassword(upgraded, "pa55word")
	require.True(t, valid)
	require.False(t, needsRehash)
}

func TestVerifyUnknownShapeFails(t *testing.T) {
	for _, stored := range []string{"", "plaintext", "$1$md5crypt", "deadbeef"} {
		valid, needsRehash := VerifyPassword(stored, "anything")
		require.False(t, valid, "shape %q", stored)
		require.False(t, needsRehash, "shape %q", stored)
	}
}
