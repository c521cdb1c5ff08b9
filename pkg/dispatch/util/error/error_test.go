/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package error

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  Error
		want string
	}{
		{
			name: "RemoteError",
			err:  Error{Code: Remote, Msg: "TypeError: a is not a number"},
			want: "remote dispatch: RemoteError - TypeError: a is not a number",
		},
		{
			name: "DispatchNotFound error",
			err:  Error{Code: DispatchNotFound, Msg: "no handler for \"mul\""},
			want: "remote dispatch: DispatchNotFound - no handler for \"mul\"",
		},
		{
			name: "Empty message",
			err:  Error{Code: Internal},
			want: "remote dispatch: Internal - ",
		},
		{
			name: "Empty code",
			err:  Error{Msg: "error occurred"},
			want: "remote dispatch:  - error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanonicalCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "Error type with DispatchNotFound code",
			err:  Error{Code: DispatchNotFound, Msg: "missing"},
			want: DispatchNotFound,
		},
		{
			name: "Wrapped Error keeps its code",
			err:  fmt.Errorf("calling worker 2: %w", Error{Code: Remote, Msg: "boom"}),
			want: Remote,
		},
		{
			name: "Non-Error type",
			err:  errors.New("some other error"),
			want: Unknown,
		},
		{
			name: "Nil error",
			err:  nil,
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalCode(tt.err); got != tt.want {
				t.Errorf("CanonicalCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(DispatchNotFound, "no handler for %q", "mul"))

	if !errors.Is(err, Error{Code: DispatchNotFound}) {
		t.Errorf("errors.Is should match on code alone when the target has no message")
	}
	if errors.Is(err, Error{Code: Remote}) {
		t.Errorf("errors.Is should not match a different code")
	}
	if errors.Is(err, Error{Code: DispatchNotFound, Msg: "other"}) {
		t.Errorf("errors.Is should not match when the target message differs")
	}
}
