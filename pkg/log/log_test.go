// Copyright 2026 The Samepage Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	e := &TestEmitter{}
	l := NewLogger(Info, e)

	l.Debugf("dropped")
	l.Infof("kept %d", 1)
	l.Warningf("kept %d", 2)

	if len(e.Lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(e.Lines), e.Lines)
	}
	if e.Lines[0] != "kept 1" || e.Lines[1] != "kept 2" {
		t.Fatalf("unexpected lines: %v", e.Lines)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Fatalf("debug not enabled after SetLevel")
	}
	l.Debugf("now kept")
	if len(e.Lines) != 3 {
		t.Fatalf("debug line dropped after SetLevel")
	}
}

func TestWriterFormat(t *testing.T) {
	var sb strings.Builder
	w := &Writer{Next: &sb}
	l := NewLogger(Debug, w)
	l.Warningf("count=%d", 7)

	out := sb.String()
	if !strings.HasPrefix(out, "W") {
		t.Fatalf("line missing level prefix: %q", out)
	}
	if !strings.Contains(out, "count=7") {
		t.Fatalf("line missing message: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("line missing trailing newline: %q", out)
	}
}
