package compiler

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

// Package compiler holds the small amount of C-family-compiler-specific
// logic the core needs: mapping a source language to the -x flag value that
// tells the compiler its input is already preprocessed.
//
// Ported from the language match and argument-rewrite loop in
// original_source/src/compiler/c.rs, generate_dist_requests.

import "github.com/aidanhs/sccache/internal/keyderiver"

// preprocessedLanguageTag is the -x value that tells the compiler "this
// input has already been run through the preprocessor" for each source
// language. See https://gcc.gnu.org/onlinedocs/gcc/Overall-Options.html.
var preprocessedLanguageTag = map[keyderiver.Language]string{
	keyderiver.LanguageC:      "cpp-output",
	keyderiver.LanguageCxx:    "c++-cpp-output",
	keyderiver.LanguageObjC:   "objective-c-cpp-output",
	keyderiver.LanguageObjCxx: "objective-c++-cpp-output",
}

// RewriteForPreprocessedInput finds the token immediately following "-x" in
// args and replaces it with the preprocessed-language tag for lang. Only
// the first "-x" argument is rewritten, and only the single token following
// it — matching spec.md §4.5 step 6 / scenario S5 exactly. args is not
// mutated; a new slice is returned.
func RewriteForPreprocessedInput(args []string, lang keyderiver.Language) []string {
	tag, ok := preprocessedLanguageTag[lang]
	if !ok {
		return args
	}
	out := make([]string, len(args))
	copy(out, args)
	for i, arg := range out {
		if arg == "-x" && i+1 < len(out) {
			out[i+1] = tag
			break
		}
	}
	return out
}
