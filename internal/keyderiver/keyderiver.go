package keyderiver

// Copyright (C) 2026  The sccache-dist Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package keyderiver computes the content-addressed cache key for one
// compilation: a pure function of the compiler's digest, the source
// language, the (already-preprocessed) argument list, a fixed allow-list of
// environment variables, and the preprocessed translation unit itself.
//
// This is a direct port of hash_key in original_source/src/compiler/c.rs,
// substituting Go's crypto/sha256 for the Rust Digest abstraction.

import (
	"crypto/sha256"
	"encoding/hex"
)

// Language is the ASCII tag fed into the digest and, separately, used by
// internal/compiler to pick the -x rewrite value.
type Language string

const (
	LanguageC      Language = "c"
	LanguageCxx    Language = "c++"
	LanguageObjC   Language = "objc"
	LanguageObjCxx Language = "objc++"
)

// CacheVersion is mixed into every key. Bump it whenever Derive's inputs,
// their ordering, or their semantics change — it invalidates every
// previously computed key.
const CacheVersion = "6"

// cachedEnvVars is the fixed allow-list of environment variables that
// change code generation without appearing in the argument list.
var cachedEnvVars = map[string]bool{
	"MACOSX_DEPLOYMENT_TARGET":   true,
	"IPHONEOS_DEPLOYMENT_TARGET": true,
}

// EnvVar is a single environment variable binding considered, in the
// caller's iteration order, against the allow-list.
type EnvVar struct {
	Name  string
	Value string
}

// Derive computes the lowercase hex cache key for one compilation. It is
// pure: identical inputs always produce identical output, in-process or
// across processes.
func Derive(compilerDigest string, language Language, arguments []string, env []EnvVar, preprocessed []byte) string {
	h := sha256.New()
	h.Write([]byte(compilerDigest))
	h.Write([]byte(CacheVersion))
	h.Write([]byte(language))
	for _, arg := range arguments {
		h.Write([]byte(arg))
	}
	for _, kv := range env {
		if !cachedEnvVars[kv.Name] {
			continue
		}
		h.Write([]byte(kv.Name))
		h.Write([]byte("="))
		h.Write([]byte(kv.Value))
	}
	h.Write(preprocessed)
	return hex.EncodeToString(h.Sum(nil))
}
