package vis

import (
	"encoding/json"
	"testing"
)

func TestSignalStore_GetUnknownPath(t *testing.T) {
	store := newSignalStore(func(string, json.RawMessage) {})

	if _, ok := store.get("Signal.Unknown"); ok {
		t.Error("get() on a never-written path = true, want false")
	}
}

func TestSignalStore_SetAndGet(t *testing.T) {
	store := newSignalStore(func(string, json.RawMessage) {})

	if serr := store.set("Private.Example.A", raw(`42`)); serr != nil {
		t.Fatalf("set() error = %v", serr)
	}

	value, ok := store.get("Private.Example.A")
	if !ok {
		t.Fatal("get() = false, want true after a write")
	}
	if string(value) != `42` {
		t.Errorf("get() = %s, want 42", value)
	}

	if serr := store.set("Private.Example.A", raw(`43`)); serr != nil {
		t.Fatalf("set() error = %v", serr)
	}
	value, _ = store.get("Private.Example.A")
	if string(value) != `43` {
		t.Errorf("get() after second write = %s, want 43", value)
	}
}

func TestSignalStore_TypeRule(t *testing.T) {
	tests := []struct {
		name    string
		writes  []string
		wantErr bool
	}{
		{
			name:   "numbers stay numbers",
			writes: []string{`1`, `2.5`, `-3`},
		},
		{
			name:    "number then string fails",
			writes:  []string{`1`, `"one"`},
			wantErr: true,
		},
		{
			name:    "bool then number fails",
			writes:  []string{`true`, `1`},
			wantErr: true,
		},
		{
			name:    "object then array fails",
			writes:  []string{`{"a":1}`, `[1]`},
			wantErr: true,
		},
		{
			name:   "null is compatible with any history",
			writes: []string{`42`, `null`, `43`},
		},
		{
			name:   "null first then number",
			writes: []string{`null`, `42`},
		},
		{
			name:   "strings stay strings",
			writes: []string{`"a"`, `"b"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newSignalStore(func(string, json.RawMessage) {})

			var serr *ServiceError
			for _, w := range tt.writes {
				if serr = store.set("Signal.Test", raw(w)); serr != nil {
					break
				}
			}

			if (serr != nil) != tt.wantErr {
				t.Fatalf("set() error = %v, wantErr %v", serr, tt.wantErr)
			}
			if tt.wantErr && serr.Code != ErrorCodeInvalidRequest {
				t.Errorf("set() error code = %s, want %s", serr.Code, ErrorCodeInvalidRequest)
			}
		})
	}
}

func TestSignalStore_NullDoesNotOverwriteHistory(t *testing.T) {
	store := newSignalStore(func(string, json.RawMessage) {})

	for _, w := range []string{`42`, `null`} {
		if serr := store.set("Signal.Test", raw(w)); serr != nil {
			t.Fatalf("set(%s) error = %v", w, serr)
		}
	}

	// The numeric history survives the null, so a string is still rejected.
	if serr := store.set("Signal.Test", raw(`"text"`)); serr == nil {
		t.Error("set(string) after number and null = nil, want type error")
	}
}

func TestSignalStore_UpdateFansOut(t *testing.T) {
	type call struct {
		path  string
		value string
	}
	var calls []call

	store := newSignalStore(func(path string, value json.RawMessage) {
		calls = append(calls, call{path: path, value: string(value)})
	})

	if serr := store.update("Private.Example.Interval", raw(`1`)); serr != nil {
		t.Fatalf("update() error = %v", serr)
	}
	if serr := store.update("Private.Example.Interval", raw(`2`)); serr != nil {
		t.Fatalf("update() error = %v", serr)
	}

	want := []call{
		{path: "Private.Example.Interval", value: `1`},
		{path: "Private.Example.Interval", value: `2`},
	}
	if len(calls) != len(want) {
		t.Fatalf("fan-out calls = %d, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("fan-out call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestSignalStore_SetDoesNotFanOut(t *testing.T) {
	fanned := 0
	store := newSignalStore(func(string, json.RawMessage) {
		fanned++
	})

	if serr := store.set("Private.Example.A", raw(`1`)); serr != nil {
		t.Fatalf("set() error = %v", serr)
	}
	if fanned != 0 {
		t.Errorf("set() fanned out %d times, want 0", fanned)
	}
}

func TestSignalStore_RejectedUpdateDoesNotFanOut(t *testing.T) {
	fanned := 0
	store := newSignalStore(func(string, json.RawMessage) {
		fanned++
	})

	if serr := store.update("Signal.Test", raw(`1`)); serr != nil {
		t.Fatalf("update() error = %v", serr)
	}
	if serr := store.update("Signal.Test", raw(`"text"`)); serr == nil {
		t.Fatal("update() with conflicting type = nil, want error")
	}

	if fanned != 1 {
		t.Errorf("fan-out calls = %d, want 1", fanned)
	}

	// The rejected write must not clobber the stored value either.
	value, _ := store.get("Signal.Test")
	if string(value) != `1` {
		t.Errorf("get() after rejected update = %s, want 1", value)
	}
}

func TestJSONKindOf(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  jsonKind
	}{
		{name: "number", input: `42`, want: kindNumber},
		{name: "negative number", input: `-1.5`, want: kindNumber},
		{name: "string", input: `"text"`, want: kindString},
		{name: "bool true", input: `true`, want: kindBool},
		{name: "bool false", input: `false`, want: kindBool},
		{name: "null", input: `null`, want: kindNull},
		{name: "object", input: `{"a":1}`, want: kindObject},
		{name: "array", input: `[1,2]`, want: kindArray},
		{name: "leading whitespace", input: "\n\t 42", want: kindNumber},
		{name: "empty", input: ``, want: kindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jsonKindOf(raw(tt.input)); got != tt.want {
				t.Errorf("jsonKindOf(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
