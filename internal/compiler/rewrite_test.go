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

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aidanhs/sccache/internal/keyderiver"
)

// TestRewriteForPreprocessedInput is scenario S5 from spec.md §8.
func TestRewriteForPreprocessedInput(t *testing.T) {
	cases := []struct {
		lang keyderiver.Language
		want string
	}{
		{keyderiver.LanguageC, "cpp-output"},
		{keyderiver.LanguageCxx, "c++-cpp-output"},
		{keyderiver.LanguageObjC, "objective-c-cpp-output"},
		{keyderiver.LanguageObjCxx, "objective-c++-cpp-output"},
	}
	for _, c := range cases {
		args := []string{"-c", "-x", string(c.lang), "-O2", "foo.i"}
		got := RewriteForPreprocessedInput(args, c.lang)
		assert.Equal(t, []string{"-c", "-x", c.want, "-O2", "foo.i"}, got)
	}
}

func TestRewriteForPreprocessedInputOnlyFirstOccurrence(t *testing.T) {
	args := []string{"-x", "c", "-foo", "-x", "c"}
	got := RewriteForPreprocessedInput(args, keyderiver.LanguageC)
	assert.Equal(t, []string{"-x", "cpp-output", "-foo", "-x", "c"}, got)
}

func TestRewriteForPreprocessedInputLeavesOriginalUntouched(t *testing.T) {
	args := []string{"-x", "c"}
	_ = RewriteForPreprocessedInput(args, keyderiver.LanguageC)
	assert.Equal(t, []string{"-x", "c"}, args)
}

func TestRewriteForPreprocessedInputNoXFlag(t *testing.T) {
	args := []string{"-c", "foo.i"}
	got := RewriteForPreprocessedInput(args, keyderiver.LanguageC)
	assert.Equal(t, args, got)
}
