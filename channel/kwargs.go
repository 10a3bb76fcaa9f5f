package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kwargs holds the raw keyword arguments of a custom payload. Values are
// decoded lazily through the typed accessors so a callback only pays for
// the arguments it reads.
type Kwargs map[string]json.RawMessage

// KwargError reports a missing or mistyped keyword argument
type KwargError struct {
	Name string
	Want string
	Err  error
}

func (e *KwargError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kwarg %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("kwarg %q: expected %s", e.Name, e.Want)
}

func (e *KwargError) Unwrap() error { return e.Err }

// Has reports whether the named argument is present
func (k Kwargs) Has(name string) bool {
	_, ok := k[name]
	return ok
}

// Names returns the argument names, sorted
func (k Kwargs) Names() []string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Raw returns the undecoded JSON value of an argument
func (k Kwargs) Raw(name string) (json.RawMessage, bool) {
	v, ok := k[name]
	return v, ok
}

// Int decodes an integer argument
func (k Kwargs) Int(name string) (int, error) {
	v, err := k.Int64(name)
	return int(v), err
}

// Int64 decodes an integer argument
func (k Kwargs) Int64(name string) (int64, error) {
	var out int64
	if err := k.decode(name, "integer", &out); err != nil {
		return 0, err
	}
	return out, nil
}

// Float64 decodes a numeric argument
func (k Kwargs) Float64(name string) (float64, error) {
	var out float64
	if err := k.decode(name, "number", &out); err != nil {
		return 0, err
	}
	return out, nil
}

// String decodes a string argument
func (k Kwargs) String(name string) (string, error) {
	var out string
	if err := k.decode(name, "string", &out); err != nil {
		return "", err
	}
	return out, nil
}

// Bool decodes a boolean argument
func (k Kwargs) Bool(name string) (bool, error) {
	var out bool
	if err := k.decode(name, "boolean", &out); err != nil {
		return false, err
	}
	return out, nil
}

// Date decodes an ISO-8601 date argument ("2022-01-24")
func (k Kwargs) Date(name string) (time.Time, error) {
	s, err := k.String(name)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, &KwargError{Name: name, Want: "ISO-8601 date", Err: err}
	}
	return t, nil
}

// Time decodes an ISO-8601 timestamp argument
func (k Kwargs) Time(name string) (time.Time, error) {
	s, err := k.String(name)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &KwargError{Name: name, Want: "ISO-8601 timestamp", Err: err}
	}
	return t, nil
}

// StringSlice decodes a homogeneous string list argument. Sets are
// published as sorted arrays, so this also covers set-typed kwargs.
func (k Kwargs) StringSlice(name string) ([]string, error) {
	var out []string
	if err := k.decode(name, "list of strings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Int64Slice decodes a homogeneous integer list argument
func (k Kwargs) Int64Slice(name string) ([]int64, error) {
	var out []int64
	if err := k.decode(name, "list of integers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (k Kwargs) decode(name, want string, dst any) error {
	v, ok := k[name]
	if !ok {
		return &KwargError{Name: name, Want: want, Err: fmt.Errorf("missing")}
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return &KwargError{Name: name, Want: want, Err: err}
	}
	return nil
}
