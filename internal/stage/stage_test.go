// Reel is a media dubbing job server.
// Copyright (C) 2025 Matthew Burns
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

package stage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"transient wrapper", Transient(base), ClassTransient},
		{"fatal wrapper", Fatal(base), ClassFatal},
		{"wrapped transient", fmt.Errorf("stage tts: %w", Transient(base)), ClassTransient},
		{"wrapped fatal", fmt.Errorf("stage mix: %w", Fatal(base)), ClassFatal},
		{"canceled", context.Canceled, ClassCanceled},
		{"canceled inside wrapper", Transient(context.Canceled), ClassCanceled},
		{"watchdog deadline", context.DeadlineExceeded, ClassFatal},
		{"bare error", base, ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestWrappersPreserveError(t *testing.T) {
	base := errors.New("disk full")
	te := Transient(base)
	if te.Error() != "disk full" {
		t.Errorf("Error() = %q", te.Error())
	}
	if !errors.Is(te, base) {
		t.Error("Transient broke the error chain")
	}
	if !errors.Is(Fatal(base), base) {
		t.Error("Fatal broke the error chain")
	}
	if Transient(nil) != nil || Fatal(nil) != nil {
		t.Error("wrapping nil must stay nil")
	}
}
