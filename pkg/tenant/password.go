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
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is the canonical work factor for password verifiers.
const bcryptCost = 12

// HashPassword produces an adaptive verifier for storage.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(b), nil
}

// isLegacyHash recognizes the previous-generation unsalted sha256 form: a
// bare 64-character hex string.
func isLegacyHash(stored string) bool {
	if len(stored) != 64 {
		return false
	}
	_, err := hex.DecodeString(stored)
	return err == nil
}

// VerifyPassword checks password against the stored verifier. needsRehash is
// true when the verifier validated through the legacy pathway and must be
// upgraded to the adaptive form within the same authenticated transaction.
// Unrecognized verifier shapes simply fail verification.
func VerifyPassword(stored, password string) (valid, needsRehash bool) {
	switch {
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, false
	case isLegacyHash(stored):
		sum := sha256.Sum256([]byte(password))
		got := hex.EncodeToString(sum[:])
		ok := subtle.ConstantTimeCompare([]byte(strings.ToLower(stored)), []byte(got)) == 1
		return ok, ok
	}
	return false, false
}
